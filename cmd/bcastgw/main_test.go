package main

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	versioncollector "github.com/prometheus/client_golang/prometheus/collectors/version"
	"github.com/prometheus/common/version"
)

func TestVersionCollectorRegisters(t *testing.T) {
	version.Version = "test"

	reg := prometheus.NewRegistry()
	if err := reg.Register(versioncollector.NewCollector("bcastgw")); err != nil {
		t.Fatalf("register version collector: %v", err)
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() == "bcastgw_build_info" {
			return
		}
	}
	t.Error("bcastgw_build_info metric not exported")
}
