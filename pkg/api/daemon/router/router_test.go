package router

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/ihub-2020/udp2rawd/pkg/api"
	"github.com/ihub-2020/udp2rawd/pkg/api/daemon/client"
	"github.com/ihub-2020/udp2rawd/pkg/config"
	"github.com/ihub-2020/udp2rawd/pkg/errdefs"
	"github.com/stretchr/testify/assert"
)

type fakeDriver struct {
	doc        *config.Document
	lastApply  bool
	applyErr   error
	startedIDs []string
	stoppedIDs []string
}

func (f *fakeDriver) GetConfig() (*config.Document, error) {
	return f.doc, nil
}

func (f *fakeDriver) ApplyConfig(doc *config.Document, apply bool) error {
	if f.applyErr != nil {
		return f.applyErr
	}
	f.doc = doc
	f.lastApply = apply
	return nil
}

func (f *fakeDriver) Status() api.Status {
	return api.Status{Tunnels: []api.TunnelStatus{
		{ID: "server_0", Alias: "wg", Running: true, Pid: 4242},
	}}
}

func (f *fakeDriver) Diagnostics() api.Diagnostics {
	var d api.Diagnostics
	d.Binary.Installed = true
	d.Binary.Text = "udp2raw 20230206.0"
	d.Iptables.Present = true
	d.Iptables.Chains = []string{"INPUT", "UDP2RAWD"}
	return d
}

func (f *fakeDriver) Logs(lines int) api.Logs {
	return api.Logs{Logs: "[server_0] [System] started (pid 4242)"}
}

func (f *fakeDriver) InstanceLogs(id string, lines int) ([]string, error) {
	if id != "server_0" {
		return nil, fmt.Errorf("%w: instance %s", errdefs.ErrNotFound, id)
	}
	return []string{"[System] started (pid 4242)"}, nil
}

func (f *fakeDriver) StartInstance(id string) error {
	if id != "server_0" {
		return fmt.Errorf("%w: instance %s", errdefs.ErrNotFound, id)
	}
	f.startedIDs = append(f.startedIDs, id)
	return nil
}

func (f *fakeDriver) StopInstance(id string) error {
	if id != "server_0" {
		return fmt.Errorf("%w: instance %s", errdefs.ErrNotFound, id)
	}
	f.stoppedIDs = append(f.stoppedIDs, id)
	return nil
}

func newTestClient(t *testing.T, driver *fakeDriver) *client.TunnelManager {
	r := mux.NewRouter()
	AddRoutes(r, &Backend{TunnelDriver: driver})
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	hc := &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, "tcp", srv.Listener.Addr().String())
			},
		},
	}
	return client.NewWithHTTPClient(hc).TunnelManager()
}

func TestConfigRoundTrip(t *testing.T) {
	driver := &fakeDriver{doc: config.Default()}
	tm := newTestClient(t, driver)

	doc, err := tm.GetConfig(context.TODO())
	assert.Equal(t, nil, err)
	assert.Equal(t, false, doc.Global.Enabled)

	doc.Global.Enabled = true
	doc.Servers = append(doc.Servers, config.DefaultServer())
	res, err := tm.ApplyConfig(context.TODO(), doc, true)
	assert.Equal(t, nil, err)
	assert.Equal(t, true, res.Saved)
	assert.Equal(t, true, res.Applied)
	assert.Equal(t, true, driver.lastApply)
	assert.Equal(t, 1, len(driver.doc.Servers))

	got, err := tm.GetConfig(context.TODO())
	assert.Equal(t, nil, err)
	assert.Equal(t, true, got.Global.Enabled)
}

func TestApplyConfigSaveOnly(t *testing.T) {
	driver := &fakeDriver{doc: config.Default()}
	tm := newTestClient(t, driver)

	res, err := tm.ApplyConfig(context.TODO(), config.Default(), false)
	assert.Equal(t, nil, err)
	assert.Equal(t, true, res.Saved)
	assert.Equal(t, false, res.Applied)
	assert.Equal(t, false, driver.lastApply)
}

func TestApplyConfigValidationError(t *testing.T) {
	driver := &fakeDriver{
		doc:      config.Default(),
		applyErr: fmt.Errorf("%w: server_0: listen_port: port 0 out of range", errdefs.ErrConfigInvalid),
	}
	tm := newTestClient(t, driver)

	_, err := tm.ApplyConfig(context.TODO(), config.Default(), true)
	assert.NotEqual(t, nil, err)
	httpErr, ok := err.(*client.HTTPStatusError)
	assert.Equal(t, true, ok)
	assert.Equal(t, http.StatusBadRequest, httpErr.StatusCode)
	assert.Contains(t, httpErr.Error(), "listen_port")
}

func TestStatusRoute(t *testing.T) {
	tm := newTestClient(t, &fakeDriver{doc: config.Default()})

	st, err := tm.Status(context.TODO())
	assert.Equal(t, nil, err)
	assert.Equal(t, 1, len(st.Tunnels))
	assert.Equal(t, "server_0", st.Tunnels[0].ID)
	assert.Equal(t, 4242, st.Tunnels[0].Pid)
}

func TestDiagnosticsRoute(t *testing.T) {
	tm := newTestClient(t, &fakeDriver{doc: config.Default()})

	diag, err := tm.Diagnostics(context.TODO())
	assert.Equal(t, nil, err)
	assert.Equal(t, true, diag.Binary.Installed)
	assert.Contains(t, diag.Binary.Text, "udp2raw")
	assert.Contains(t, diag.Iptables.Chains, "UDP2RAWD")
}

func TestLogsRoutes(t *testing.T) {
	tm := newTestClient(t, &fakeDriver{doc: config.Default()})

	logs, err := tm.Logs(context.TODO(), 100)
	assert.Equal(t, nil, err)
	assert.Contains(t, logs.Logs, "[server_0]")

	lines, err := tm.InstanceLogs(context.TODO(), "server_0", 100)
	assert.Equal(t, nil, err)
	assert.Equal(t, 1, len(lines))

	_, err = tm.InstanceLogs(context.TODO(), "ghost_0", 100)
	assert.NotEqual(t, nil, err)
}

func TestInstanceActions(t *testing.T) {
	driver := &fakeDriver{doc: config.Default()}
	tm := newTestClient(t, driver)

	assert.Equal(t, nil, tm.StartInstance(context.TODO(), "server_0"))
	assert.Equal(t, nil, tm.StopInstance(context.TODO(), "server_0"))
	assert.Equal(t, []string{"server_0"}, driver.startedIDs)
	assert.Equal(t, []string{"server_0"}, driver.stoppedIDs)

	err := tm.StartInstance(context.TODO(), "ghost_0")
	assert.NotEqual(t, nil, err)
	httpErr, ok := err.(*client.HTTPStatusError)
	assert.Equal(t, true, ok)
	assert.Equal(t, http.StatusNotFound, httpErr.StatusCode)
}

func TestBadLinesParam(t *testing.T) {
	r := mux.NewRouter()
	AddRoutes(r, &Backend{TunnelDriver: &fakeDriver{doc: config.Default()}})
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL + "/v1/logs?lines=bogus")
	assert.Equal(t, nil, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
