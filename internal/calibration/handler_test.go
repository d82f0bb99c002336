package calibration

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newCalibrationRouter(h *Handler) *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/calibrations", h.StartCalibration).Methods("POST")
	r.HandleFunc("/calibrations/{id}", h.GetCalibration).Methods("GET")
	r.HandleFunc("/calibrations/{id}", h.CancelCalibration).Methods("DELETE")
	return r
}

func TestHandlerStartAndPoll(t *testing.T) {
	f := newRunnerFixture(t, 10)
	router := newCalibrationRouter(NewHandler(f.runner, smallConfig(), nil))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("POST", "/calibrations", strings.NewReader(`{"target_rate": 0.5}`)))
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var started startResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&started))
	require.NotEmpty(t, started.RunID)
	f.runner.Wait()

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("GET", "/calibrations/"+started.RunID, nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var rep Report
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&rep))
	assert.Equal(t, StatusSucceeded, rep.Status)
	assert.Equal(t, 0.5, rep.Config.TargetRate)
	assert.Equal(t, smallConfig().Examinees, rep.Config.Examinees, "unset fields keep defaults")

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("DELETE", "/calibrations/"+started.RunID, nil))
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestHandlerEmptyBodyUsesDefaults(t *testing.T) {
	f := newRunnerFixture(t, 10)
	router := newCalibrationRouter(NewHandler(f.runner, smallConfig(), nil))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("POST", "/calibrations", nil))
	assert.Equal(t, http.StatusAccepted, rec.Code)
	f.runner.Wait()
}

func TestHandlerRejectsBadConfig(t *testing.T) {
	f := newRunnerFixture(t, 10)
	router := newCalibrationRouter(NewHandler(f.runner, smallConfig(), nil))

	for _, body := range []string{`{"target_rate": 1.5}`, `{"examinees": 0}`, `{"k_floor": 0.9, "k_ceil": 0.1}`, `not json`} {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest("POST", "/calibrations", strings.NewReader(body)))
		assert.Equal(t, http.StatusBadRequest, rec.Code, body)
	}
	_, active := f.runner.Active()
	assert.False(t, active)
}

func TestHandlerUnknownRun(t *testing.T) {
	f := newRunnerFixture(t, 10)
	router := newCalibrationRouter(NewHandler(f.runner, smallConfig(), nil))

	for _, id := range []string{uuid.NewString(), "not-a-uuid"} {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest("GET", "/calibrations/"+id, nil))
		assert.Equal(t, http.StatusNotFound, rec.Code, id)

		rec = httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest("DELETE", "/calibrations/"+id, nil))
		assert.Equal(t, http.StatusNotFound, rec.Code, id)
	}
}
