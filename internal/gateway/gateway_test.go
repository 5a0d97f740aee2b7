package gateway_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/basket/taskscheduler/internal/api"
	"github.com/basket/taskscheduler/internal/gateway"
	"github.com/basket/taskscheduler/internal/runner"
	"github.com/basket/taskscheduler/internal/store"
)

func newTestServer(t *testing.T) http.Handler {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "scheduler.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	rn := runner.New(runner.Config{Store: s, TaskTimeout: 5 * time.Second})
	svc := api.NewService(s, rn)
	gw := gateway.New(gateway.Config{Service: svc})
	return gw.Handler()
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	h := newTestServer(t)
	rec := doJSON(t, h, http.MethodGet, "/healthz", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestCreateListGetUpdateDeleteTask(t *testing.T) {
	h := newTestServer(t)

	create := doJSON(t, h, http.MethodPost, "/api/tasks", api.TaskInput{
		Name: "nightly", Account: "ops", TriggerType: "schedule",
		ScheduleExpression: "0 3 * * *", ScriptBody: "true",
	})
	if create.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body = %s", create.Code, create.Body.String())
	}
	var createEnv struct {
		Data struct {
			ID int64 `json:"id"`
		} `json:"data"`
	}
	if err := json.Unmarshal(create.Body.Bytes(), &createEnv); err != nil {
		t.Fatalf("unmarshal create response: %v", err)
	}
	id := createEnv.Data.ID
	if id <= 0 {
		t.Fatalf("created task id = %d, want positive", id)
	}
	idPath := strconv.FormatInt(id, 10)

	list := doJSON(t, h, http.MethodGet, "/api/tasks", nil)
	if list.Code != http.StatusOK {
		t.Fatalf("list status = %d", list.Code)
	}

	get := doJSON(t, h, http.MethodGet, "/api/tasks/"+idPath, nil)
	if get.Code != http.StatusOK {
		t.Fatalf("get status = %d, body = %s", get.Code, get.Body.String())
	}

	update := doJSON(t, h, http.MethodPut, "/api/tasks/"+idPath, api.TaskInput{
		Name: "nightly", Account: "ops", TriggerType: "schedule",
		ScheduleExpression: "0 4 * * *", ScriptBody: "true", IsActive: true,
	})
	if update.Code != http.StatusOK {
		t.Fatalf("update status = %d, body = %s", update.Code, update.Body.String())
	}

	del := doJSON(t, h, http.MethodDelete, "/api/tasks/"+idPath, nil)
	if del.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d", del.Code)
	}

	getAfterDelete := doJSON(t, h, http.MethodGet, "/api/tasks/"+idPath, nil)
	if getAfterDelete.Code != http.StatusNotFound {
		t.Fatalf("get after delete status = %d, want 404", getAfterDelete.Code)
	}
}

func TestCreateTask_ValidationFailureReturns400(t *testing.T) {
	h := newTestServer(t)
	rec := doJSON(t, h, http.MethodPost, "/api/tasks", api.TaskInput{})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400, body = %s", rec.Code, rec.Body.String())
	}
}

func TestRunTaskAndBatch(t *testing.T) {
	h := newTestServer(t)

	create := doJSON(t, h, http.MethodPost, "/api/tasks", api.TaskInput{
		Name: "once", Account: "ops", TriggerType: "schedule",
		ScheduleExpression: "* * * * *", ScriptBody: "true",
	})
	var createEnv struct {
		Data struct {
			ID int64 `json:"id"`
		} `json:"data"`
	}
	if err := json.Unmarshal(create.Body.Bytes(), &createEnv); err != nil {
		t.Fatalf("unmarshal create response: %v", err)
	}
	id := createEnv.Data.ID
	idPath := strconv.FormatInt(id, 10)

	run := doJSON(t, h, http.MethodPost, "/api/tasks/"+idPath+"/run", nil)
	if run.Code != http.StatusAccepted {
		t.Fatalf("run status = %d, body = %s", run.Code, run.Body.String())
	}

	batch := doJSON(t, h, http.MethodPost, "/api/tasks/batch", api.BatchInput{
		Action: "disable", TaskIDs: []int64{id, id + 1000},
	})
	if batch.Code != http.StatusOK {
		t.Fatalf("batch status = %d, body = %s", batch.Code, batch.Body.String())
	}
}

func TestListAccounts(t *testing.T) {
	h := newTestServer(t)
	rec := doJSON(t, h, http.MethodGet, "/api/accounts", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var env struct {
		Meta struct {
			DefaultAccount string `json:"default_account"`
		} `json:"meta"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("unmarshal accounts response: %v", err)
	}
	if env.Meta.DefaultAccount == "" {
		t.Fatal("default_account is empty")
	}
}

func TestResultsLifecycle(t *testing.T) {
	h := newTestServer(t)

	create := doJSON(t, h, http.MethodPost, "/api/tasks", api.TaskInput{
		Name: "probed", Account: "ops", TriggerType: "schedule",
		ScheduleExpression: "* * * * *", ScriptBody: "true",
	})
	var createEnv struct {
		Data struct {
			ID int64 `json:"id"`
		} `json:"data"`
	}
	if err := json.Unmarshal(create.Body.Bytes(), &createEnv); err != nil {
		t.Fatalf("unmarshal create response: %v", err)
	}
	idPath := strconv.FormatInt(createEnv.Data.ID, 10)

	results := doJSON(t, h, http.MethodGet, "/api/tasks/"+idPath+"/results?limit=5", nil)
	if results.Code != http.StatusOK {
		t.Fatalf("results status = %d", results.Code)
	}

	clear := doJSON(t, h, http.MethodDelete, "/api/tasks/"+idPath+"/results", nil)
	if clear.Code != http.StatusOK {
		t.Fatalf("clear results status = %d, body = %s", clear.Code, clear.Body.String())
	}
}
