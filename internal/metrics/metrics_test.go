package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestHelpersAreSafeBeforeInit(t *testing.T) {
	if ingestRequests != nil {
		t.Skip("metrics already registered in this process")
	}
	ObserveIngest("soil", ResultSuccess, time.Millisecond)
	IncCommandEnqueued("FAN_CONTROL")
	IncReconnect("publisher")
	SetBrokerClients(2)
}

func TestInitExposesMetrics(t *testing.T) {
	Init()
	Init()

	ObserveIngest("soil", ResultInvalid, 5*time.Millisecond)
	IncCommandEnqueued("MANUAL_WATERING")
	SetRelayCursor("soil-relay", 42)

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := rec.Body.String()
	for _, want := range []string{
		`greenhouse_ingest_requests_total{kind="soil",result="invalid"}`,
		`greenhouse_commands_enqueued_total{command_type="MANUAL_WATERING"}`,
		`greenhouse_relay_cursor{device_id="soil-relay"} 42`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("metrics output missing %s", want)
		}
	}
}
