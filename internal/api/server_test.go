package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cryo-specimen-server/internal/domain"
	"github.com/cryo-specimen-server/internal/repository"
)

var collectedAt = time.Date(2024, 1, 15, 9, 30, 0, 0, time.UTC)

type testServer struct {
	server   *Server
	services Services
	store    *repository.MemoryStore
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	logger, _ := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)

	store := repository.NewMemoryStore()
	seedTopology(t, store)
	services := NewServices(store, ServiceOptions{Logger: logger})
	cfg := &domain.Config{
		Server:  domain.ServerConfig{RequestTimeout: 5 * time.Second},
		Storage: domain.StorageConfig{Driver: domain.StorageDriverMemory},
		Logging: domain.LoggingConfig{Level: "info"},
	}
	return &testServer{
		server:   NewServer(cfg, services, logger),
		services: services,
		store:    store,
	}
}

// seedTopology builds T1 > C1 > G1 > {S1, S2}
func seedTopology(t *testing.T, store domain.LocationWriter) {
	t.Helper()
	nodes := []struct {
		id, name, parent string
		kind             domain.LocationType
	}{
		{"T1", "Tank 1", "", domain.LocationTank},
		{"C1", "Canister 1", "T1", domain.LocationCanister},
		{"G1", "Goblet 1", "C1", domain.LocationGoblet},
		{"S2", "Slot 2", "G1", domain.LocationSlot},
		{"S1", "Slot 1", "G1", domain.LocationSlot},
	}
	for _, n := range nodes {
		node := &domain.CryoLocationNode{ID: n.id, Name: n.name, Type: n.kind}
		if n.parent != "" {
			parent := n.parent
			node.ParentID = &parent
		}
		require.NoError(t, store.CreateLocation(context.Background(), node))
	}
}

func (ts *testServer) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	ts.server.Handler().ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

// storedSample creates a sample and assesses it as eligible for freezing
func (ts *testServer) storedSample(t *testing.T, id string, sampleType domain.SampleType) {
	t.Helper()
	w := ts.do(t, http.MethodPost, "/api/v1/samples", domain.NewSampleRequest{
		ID: id, Type: sampleType, PatientID: "P1", CollectionDate: collectedAt,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = ts.do(t, http.MethodPost, "/api/v1/samples/"+id+"/assessment", map[string]interface{}{
		"qualityPayload":      map[string]interface{}{"type": sampleType, "data": map[string]interface{}{}},
		"eligibleForFreezing": true,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

func importBody(sampleID, slotID string) domain.ImportRequest {
	return domain.ImportRequest{
		SampleID:    sampleID,
		SlotID:      slotID,
		ImportedBy:  "tech1",
		WitnessedBy: "tech2",
		Temperature: -196,
		Reason:      "initial freeze",
	}
}

func TestHealthAndMetrics(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	health := decode[map[string]interface{}](t, w)
	assert.Equal(t, "healthy", health["status"])
	assert.Equal(t, "memory", health["storage"])
	assert.NotEmpty(t, w.Header().Get("X-Correlation-ID"))

	ts.storedSample(t, "s1", domain.SampleTypeSperm)
	w = ts.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `cryo_transitions_total{to="QualityChecked"} 1`)
}

func TestHealth_Unhealthy(t *testing.T) {
	ts := newTestServer(t)
	ts.server.services.Health = func(context.Context) error { return assert.AnError }

	w := ts.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "unhealthy", decode[map[string]interface{}](t, w)["status"])
}

func TestSampleLifecycleOverHTTP(t *testing.T) {
	ts := newTestServer(t)
	ts.storedSample(t, "s1", domain.SampleTypeSperm)

	w := ts.do(t, http.MethodPatch, "/api/v1/samples/s1/sperm-quality", `{"motility": 62, "progressiveMotility": 40}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	sample := decode[domain.Sample](t, w)
	quality := sample.Quality.(*domain.SpermQuality)
	assert.Equal(t, 62.0, *quality.Motility)
	assert.True(t, sample.CanFrozen)

	w = ts.do(t, http.MethodPost, "/api/v1/cryo-imports", importBody("s1", "S1"))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	record := decode[domain.CryoImportRecord](t, w)
	assert.Equal(t, "S1", record.SlotID)

	w = ts.do(t, http.MethodGet, "/api/v1/samples/s1", nil)
	assert.Equal(t, domain.StatusFrozen, decode[domain.Sample](t, w).Status)

	w = ts.do(t, http.MethodGet, "/api/v1/cryo-locations/S1/occupant", nil)
	require.Equal(t, http.StatusOK, w.Code)
	occupant := decode[OccupantResponse](t, w)
	require.NotNil(t, occupant.Occupant)
	assert.Equal(t, "s1", occupant.Occupant.ID)

	w = ts.do(t, http.MethodGet, "/api/v1/samples/s1/location", nil)
	assert.Contains(t, w.Body.String(), `"id":"S1"`)

	w = ts.do(t, http.MethodGet, "/api/v1/cryo-imports?sampleId=s1", nil)
	assert.Len(t, decode[[]domain.CryoImportRecord](t, w), 1)

	w = ts.do(t, http.MethodPost, "/api/v1/samples/s1/retrieve", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, domain.StatusThawed, decode[domain.Sample](t, w).Status)

	w = ts.do(t, http.MethodGet, "/api/v1/cryo-locations/S1/occupant", nil)
	assert.Nil(t, decode[OccupantResponse](t, w).Occupant)
}

func TestErrorEnvelope(t *testing.T) {
	ts := newTestServer(t)
	ts.storedSample(t, "s1", domain.SampleTypeSperm)
	ts.storedSample(t, "s2", domain.SampleTypeSperm)
	require.Equal(t, http.StatusCreated, ts.do(t, http.MethodPost, "/api/v1/cryo-imports", importBody("s1", "S1")).Code)

	selfWitness := importBody("s2", "S2")
	selfWitness.WitnessedBy = "TECH1"

	tests := []struct {
		name   string
		method string
		path   string
		body   interface{}
		status int
		code   string
		field  string
		value  string
	}{
		{"slot occupied", http.MethodPost, "/api/v1/cryo-imports", importBody("s2", "S1"),
			http.StatusConflict, domain.ErrSlotOccupied, "occupant_id", "s1"},
		{"not a slot", http.MethodPost, "/api/v1/cryo-imports", importBody("s2", "G1"),
			http.StatusUnprocessableEntity, domain.ErrNotASlot, "type", "Goblet"},
		{"witness conflict", http.MethodPost, "/api/v1/cryo-imports", selfWitness,
			http.StatusUnprocessableEntity, domain.ErrWitnessConflict, "user_id", "tech1"},
		{"unknown sample", http.MethodGet, "/api/v1/samples/missing", nil,
			http.StatusNotFound, domain.ErrNotFound, "id", "missing"},
		{"illegal transition", http.MethodPost, "/api/v1/samples/s2/transitions", map[string]string{"status": "Fertilized"},
			http.StatusConflict, domain.ErrIllegalTransition, "from", "QualityChecked"},
		{"stale expectation", http.MethodPost, "/api/v1/samples/s2/transitions",
			map[string]string{"status": "Frozen", "expectedStatus": "Collected"},
			http.StatusConflict, domain.ErrIllegalTransition, "to", "Frozen"},
		{"type mismatch", http.MethodPatch, "/api/v1/samples/s2/oocyte-quality", `{"maturityStage": "MII"}`,
			http.StatusUnprocessableEntity, domain.ErrTypeMismatch, "actual", "Oocyte"},
		{"invalid quality", http.MethodPatch, "/api/v1/samples/s2/sperm-quality", `{"motility": 140}`,
			http.StatusUnprocessableEntity, domain.ErrValidation, "field", "motility"},
		{"missing patient", http.MethodPost, "/api/v1/samples", map[string]string{"type": "Sperm"},
			http.StatusUnprocessableEntity, domain.ErrValidation, "field", "patientId"},
		{"malformed body", http.MethodPost, "/api/v1/cryo-imports", `{"sampleId":`,
			http.StatusUnprocessableEntity, domain.ErrValidation, "field", "body"},
		{"unknown quality kind", http.MethodPatch, "/api/v1/samples/s2/blood-quality", `{}`,
			http.StatusNotFound, domain.ErrNotFound, "entity", "route"},
		{"imports need a filter", http.MethodGet, "/api/v1/cryo-imports", nil,
			http.StatusUnprocessableEntity, domain.ErrValidation, "field", "slotId"},
		{"occupant of a goblet", http.MethodGet, "/api/v1/cryo-locations/G1/occupant", nil,
			http.StatusUnprocessableEntity, domain.ErrNotASlot, "location_id", "G1"},
		{"raw record into a tank", http.MethodPost, "/api/v1/cryo-imports/records",
			domain.CryoImportRecord{SampleID: "s1", SlotID: "T1", ImportedBy: "tech1", WitnessedBy: "tech2"},
			http.StatusUnprocessableEntity, domain.ErrNotASlot, "location_id", "T1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := ts.do(t, tt.method, tt.path, tt.body)
			require.Equal(t, tt.status, w.Code, w.Body.String())
			apiErr := decode[domain.APIError](t, w)
			assert.Equal(t, tt.code, apiErr.Code)
			assert.Equal(t, tt.value, apiErr.Fields[tt.field])
			assert.NotEmpty(t, apiErr.CorrelationID)
		})
	}
}

func TestStoreOutageIsTransient(t *testing.T) {
	logger, _ := test.NewNullLogger()
	store, err := repository.NewSQLiteStore(filepath.Join(t.TempDir(), "cryo.db"), logger)
	require.NoError(t, err)
	server := NewServer(&domain.Config{
		Server:  domain.ServerConfig{RequestTimeout: 5 * time.Second},
		Storage: domain.StorageConfig{Driver: domain.StorageDriverSQLite},
		Logging: domain.LoggingConfig{Level: "info"},
	}, NewServices(store, ServiceOptions{Logger: logger}), logger)
	require.NoError(t, store.Close())

	w := httptest.NewRecorder()
	server.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/samples/s1", nil))

	require.Equal(t, http.StatusServiceUnavailable, w.Code, w.Body.String())
	assert.Equal(t, domain.ErrTransientIO, decode[domain.APIError](t, w).Code)
}

func TestValidationDetailsListEveryField(t *testing.T) {
	ts := newTestServer(t)
	ts.storedSample(t, "s1", domain.SampleTypeSperm)

	w := ts.do(t, http.MethodPatch, "/api/v1/samples/s1/sperm-quality", `{"motility": 140, "ph": 15}`)
	require.Equal(t, http.StatusUnprocessableEntity, w.Code)
	apiErr := decode[domain.APIError](t, w)
	assert.Contains(t, apiErr.Details, "motility")
	assert.Contains(t, apiErr.Details, "ph")
}

func TestLocationsOverHTTP(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodGet, "/api/v1/cryo-locations/roots", nil)
	require.Equal(t, http.StatusOK, w.Code)
	roots := decode[[]domain.CryoLocationNode](t, w)
	require.Len(t, roots, 1)
	assert.Equal(t, "Tank 1", roots[0].Name)

	w = ts.do(t, http.MethodGet, "/api/v1/cryo-locations/G1/children", nil)
	children := decode[[]domain.CryoLocationNode](t, w)
	require.Len(t, children, 2)
	assert.Equal(t, "Slot 1", children[0].Name)
	assert.Equal(t, "Slot 2", children[1].Name)

	w = ts.do(t, http.MethodPost, "/api/v1/cryo-locations/tanks", domain.TankLayout{
		Name: "Tank 2", Canisters: 1, GobletsPerCanister: 1, SlotsPerGoblet: 3,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	tank := decode[domain.CryoLocationNode](t, w)

	w = ts.do(t, http.MethodGet, "/api/v1/cryo-locations/roots", nil)
	assert.Len(t, decode[[]domain.CryoLocationNode](t, w), 2)

	w = ts.do(t, http.MethodGet, "/api/v1/cryo-locations/"+tank.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, domain.LocationTank, decode[domain.CryoLocationNode](t, w).Type)

	w = ts.do(t, http.MethodPost, "/api/v1/cryo-locations", map[string]string{
		"name": "Slot 3", "type": "slot", "parentId": "G1",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	w = ts.do(t, http.MethodGet, "/api/v1/cryo-locations/G1/children", nil)
	assert.Len(t, decode[[]domain.CryoLocationNode](t, w), 3)

	w = ts.do(t, http.MethodPost, "/api/v1/cryo-locations", map[string]string{"name": " "})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestMoveAndRawRecordOverHTTP(t *testing.T) {
	ts := newTestServer(t)
	ts.storedSample(t, "s1", domain.SampleTypeSperm)
	require.Equal(t, http.StatusCreated, ts.do(t, http.MethodPost, "/api/v1/cryo-imports", importBody("s1", "S1")).Code)

	move := importBody("s1", "S2")
	move.Reason = "reorganisation"
	w := ts.do(t, http.MethodPost, "/api/v1/cryo-imports/moves", move)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = ts.do(t, http.MethodGet, "/api/v1/cryo-imports?slotId=S1", nil)
	assert.Len(t, decode[[]domain.CryoImportRecord](t, w), 1)
	w = ts.do(t, http.MethodGet, "/api/v1/cryo-locations/S1/occupant", nil)
	assert.Nil(t, decode[OccupantResponse](t, w).Occupant)

	w = ts.do(t, http.MethodPost, "/api/v1/cryo-imports/records", domain.CryoImportRecord{
		SampleID: "s1", SlotID: "S1", ImportedBy: "tech1", WitnessedBy: "tech1",
	})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, domain.ErrWitnessConflict, decode[domain.APIError](t, w).Code)
}

func TestCreateEmbryoOverHTTP(t *testing.T) {
	ts := newTestServer(t)
	cycle := "cycle-1"
	for _, s := range []struct {
		id   string
		kind domain.SampleType
	}{{"o1", domain.SampleTypeOocyte}, {"p1", domain.SampleTypeSperm}} {
		w := ts.do(t, http.MethodPost, "/api/v1/samples", domain.NewSampleRequest{
			ID: s.id, Type: s.kind, PatientID: "P1", TreatmentCycleID: &cycle, CollectionDate: collectedAt,
		})
		require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	}

	w := ts.do(t, http.MethodPost, "/api/v1/embryos", map[string]interface{}{
		"patientId":           "P1",
		"treatmentCycleId":    cycle,
		"collectionDate":      collectedAt.Add(24 * time.Hour),
		"fertilizationMethod": "ICSI",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	resp := decode[EmbryoResponse](t, w)
	assert.Equal(t, domain.SampleTypeEmbryo, resp.Sample.Type)
	require.NotNil(t, resp.Lineage.OocyteSampleID)
	assert.Equal(t, "o1", *resp.Lineage.OocyteSampleID)
	assert.Equal(t, "p1", *resp.Lineage.SpermSampleID)

	w = ts.do(t, http.MethodPost, "/api/v1/samples/"+resp.Sample.ID+"/culture", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, "cellCount", decode[domain.APIError](t, w).Fields["field"])
}

func TestListSamplesOverHTTP(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodGet, "/api/v1/samples?patientId=P1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "[]", strings.TrimSpace(w.Body.String()))

	ts.storedSample(t, "s1", domain.SampleTypeSperm)
	w = ts.do(t, http.MethodPatch, "/api/v1/samples/s1", map[string]interface{}{"notes": "donor vial", "canFertilize": true})
	require.Equal(t, http.StatusOK, w.Code)

	w = ts.do(t, http.MethodGet, "/api/v1/samples?patientId=P1", nil)
	samples := decode[[]domain.Sample](t, w)
	require.Len(t, samples, 1)
	assert.Equal(t, "donor vial", samples[0].Notes)
	assert.True(t, samples[0].CanFertilize)
}
