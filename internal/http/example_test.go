package http_test

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/checklistd/internal/broadcast"
	"github.com/fyrsmithlabs/checklistd/internal/checklist"
	"github.com/fyrsmithlabs/checklistd/internal/config"
	"github.com/fyrsmithlabs/checklistd/internal/engine"
	httpserver "github.com/fyrsmithlabs/checklistd/internal/http"
	"github.com/fyrsmithlabs/checklistd/internal/oracle"
)

// ExampleServer starts a session over the built-in call structure, feeds it
// a transcript line and toggles an item by hand.
func ExampleServer() {
	logger := zap.NewNop()
	hub := broadcast.NewHub(logger)

	// The disabled oracle leaves every automated evaluation pending.
	manager := engine.NewManager(config.Default().Engine, checklist.Default(), oracle.NoOp{}, logger,
		engine.WithBroadcaster(hub))
	defer manager.Close()

	server, err := httpserver.NewServer(manager, hub, logger, nil)
	if err != nil {
		panic(err)
	}
	ts := httptest.NewServer(server.Handler())
	defer ts.Close()

	send := func(method, path, body string, out any) int {
		req, _ := http.NewRequest(method, ts.URL+path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			panic(err)
		}
		defer resp.Body.Close()
		if out != nil {
			_ = json.NewDecoder(resp.Body).Decode(out)
		}
		return resp.StatusCode
	}

	var snap engine.Snapshot
	fmt.Println("start:", send(http.MethodPost, "/api/v1/session", "", &snap))

	var tr httpserver.TranscriptResponse
	send(http.MethodPost, "/api/v1/session/transcript", `{"text":"Halo Bunda, selamat pagi"}`, &tr)
	fmt.Println("window words:", tr.WindowWords)

	item := snap.Stages[0].Items[0].ID
	var toggled httpserver.ToggleResponse
	send(http.MethodPost, "/api/v1/session/items/"+item+"/toggle", "", &toggled)
	fmt.Println("toggled complete:", toggled.Completed)

	fmt.Println("end:", send(http.MethodDelete, "/api/v1/session", "", nil))
	// Output:
	// start: 201
	// window words: 4
	// toggled complete: true
	// end: 204
}
