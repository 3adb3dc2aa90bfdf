// Lenssync - Client Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/lenssync

package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
)

func TestRecordOpen(t *testing.T) {
	beforeFail := testutil.ToFloat64(ChannelOpens.WithLabelValues("failure"))
	beforeDial := testutil.ToFloat64(TransportErrors.WithLabelValues("dial"))

	RecordOpen(errors.New("connection refused"))

	if got := testutil.ToFloat64(ChannelOpens.WithLabelValues("failure")); got != beforeFail+1 {
		t.Errorf("opens{failure} = %v, want %v", got, beforeFail+1)
	}
	if got := testutil.ToFloat64(TransportErrors.WithLabelValues("dial")); got != beforeDial+1 {
		t.Errorf("transport_errors{dial} = %v, want %v", got, beforeDial+1)
	}

	RecordOpen(nil)
	if got := testutil.ToFloat64(ChannelConnected); got != 1 {
		t.Errorf("connected = %v, want 1", got)
	}
	RecordClose()
	if got := testutil.ToFloat64(ChannelConnected); got != 0 {
		t.Errorf("connected = %v, want 0", got)
	}
}

func TestRecordStoreRequest(t *testing.T) {
	tests := []struct {
		name           string
		superseded     bool
		wantSuperseded float64
	}{
		{"first request", false, 0},
		{"superseding request", true, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reqBefore := testutil.ToFloat64(StoreRequests.WithLabelValues("mutation", "CreateX"))
			supBefore := testutil.ToFloat64(StoreSuperseded.WithLabelValues("mutation", "CreateX"))

			RecordStoreRequest("mutation", "CreateX", tt.superseded)

			if got := testutil.ToFloat64(StoreRequests.WithLabelValues("mutation", "CreateX")); got != reqBefore+1 {
				t.Errorf("requests = %v, want %v", got, reqBefore+1)
			}
			if got := testutil.ToFloat64(StoreSuperseded.WithLabelValues("mutation", "CreateX")); got != supBefore+tt.wantSuperseded {
				t.Errorf("superseded = %v, want %v", got, supBefore+tt.wantSuperseded)
			}
		})
	}
}

func TestRecordTokenChange(t *testing.T) {
	setBefore := testutil.ToFloat64(AuthTokenChanges.WithLabelValues("set"))
	clearBefore := testutil.ToFloat64(AuthTokenChanges.WithLabelValues("clear"))

	RecordTokenChange("abc")
	RecordTokenChange("")

	if got := testutil.ToFloat64(AuthTokenChanges.WithLabelValues("set")); got != setBefore+1 {
		t.Errorf("changes{set} = %v, want %v", got, setBefore+1)
	}
	if got := testutil.ToFloat64(AuthTokenChanges.WithLabelValues("clear")); got != clearBefore+1 {
		t.Errorf("changes{clear} = %v, want %v", got, clearBefore+1)
	}
}

func TestRecordMirrorOp(t *testing.T) {
	errBefore := testutil.ToFloat64(MirrorErrors.WithLabelValues("put", "User"))

	RecordMirrorOp("put", "User", 2*time.Millisecond, nil)
	RecordMirrorOp("put", "User", 3*time.Millisecond, errors.New("disk full"))

	if got := testutil.ToFloat64(MirrorErrors.WithLabelValues("put", "User")); got != errBefore+1 {
		t.Errorf("mirror_errors = %v, want %v", got, errBefore+1)
	}

	// Histograms need the raw protobuf to inspect sample counts.
	m := &dto.Metric{}
	observer, err := MirrorOperations.GetMetricWithLabelValues("put", "User")
	if err != nil {
		t.Fatalf("GetMetricWithLabelValues() error = %v", err)
	}
	if err := observer.(interface{ Write(*dto.Metric) error }).Write(m); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if got := m.GetHistogram().GetSampleCount(); got < 2 {
		t.Errorf("sample count = %d, want >= 2", got)
	}
}

func TestSetPending(t *testing.T) {
	SetPending(3)
	if got := testutil.ToFloat64(RequestsPending); got != 3 {
		t.Errorf("pending = %v, want 3", got)
	}
	SetPending(0)
	if got := testutil.ToFloat64(RequestsPending); got != 0 {
		t.Errorf("pending = %v, want 0", got)
	}
}

func TestRecordAPIRequest(t *testing.T) {
	before := testutil.ToFloat64(APIRequests.WithLabelValues("GET", "/status", "200"))
	RecordAPIRequest("GET", "/status", "200", 3*time.Millisecond)
	if got := testutil.ToFloat64(APIRequests.WithLabelValues("GET", "/status", "200")); got != before+1 {
		t.Errorf("api_requests{GET,/status,200} = %v, want %v", got, before+1)
	}

	active := testutil.ToFloat64(APIActiveRequests)
	TrackActiveRequest(true)
	if got := testutil.ToFloat64(APIActiveRequests); got != active+1 {
		t.Errorf("active = %v, want %v", got, active+1)
	}
	TrackActiveRequest(false)
	if got := testutil.ToFloat64(APIActiveRequests); got != active {
		t.Errorf("active = %v, want %v", got, active)
	}
}
