package systemctl

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptedRunner struct {
	outputs map[string]string
	errs    map[string]error
	calls   []string
}

func (r *scriptedRunner) Run(_ context.Context, name string, args ...string) ([]byte, error) {
	key := strings.Join(append([]string{name}, args...), " ")
	r.calls = append(r.calls, key)
	return []byte(r.outputs[key]), r.errs[key]
}

func TestListServices(t *testing.T) {
	runner := &scriptedRunner{outputs: map[string]string{
		"systemctl --type=service --output=json --no-pager": `[{"unit":"foo.service","load":"loaded","active":"active","sub":"running","description":"Foo"},` +
			`{"unit":"bar.service","load":"not-found","active":"inactive","sub":"dead","description":"Bar"}]` + "\n",
	}}

	units, err := New(runner).ListServices(t.Context())
	require.NoError(t, err)

	want := []Unit{
		{Unit: "foo.service", Load: "loaded", Active: "active", Sub: "running", Description: "Foo"},
		{Unit: "bar.service", Load: "not-found", Active: "inactive", Sub: "dead", Description: "Bar"},
	}
	if diff := cmp.Diff(want, units); diff != "" {
		t.Errorf("ListServices() mismatch (-want +got):\n%s", diff)
	}
}

func TestParseUnitsAcceptsObjectLines(t *testing.T) {
	units, err := parseUnits([]byte("{\"unit\":\"a.service\",\"load\":\"loaded\"}\n\n{\"unit\":\"b.service\"}\n"))
	require.NoError(t, err)
	require.Len(t, units, 2)
	assert.Equal(t, "b.service", units[1].Unit)
}

func TestListServicesErrors(t *testing.T) {
	key := "systemctl --type=service --output=json --no-pager"
	_, err := New(&scriptedRunner{errs: map[string]error{key: errors.New("exec: not found")}}).ListServices(t.Context())
	require.ErrorContains(t, err, "list services")

	_, err = New(&scriptedRunner{outputs: map[string]string{key: "[{"}}).ListServices(t.Context())
	require.ErrorContains(t, err, "decode service census")
}

func TestMainPID(t *testing.T) {
	runner := &scriptedRunner{outputs: map[string]string{
		"systemctl show --property=MainPID --value foo.service": "100\n",
		"systemctl show --property=MainPID --value bar.service": "0\n",
		"systemctl show --property=MainPID --value bad.service": "abc\n",
	}}
	client := New(runner)

	pid, err := client.MainPID(t.Context(), "foo.service")
	require.NoError(t, err)
	assert.Equal(t, 100, pid)

	pid, err = client.MainPID(t.Context(), "bar.service")
	require.NoError(t, err)
	assert.Equal(t, 0, pid)

	_, err = client.MainPID(t.Context(), "bad.service")
	require.Error(t, err)
}

func TestChildPIDs(t *testing.T) {
	runner := &scriptedRunner{
		outputs: map[string]string{"ps --ppid 100 -o pid=": "  101\n  102\n"},
		errs:    map[string]error{"ps --ppid 200 -o pid=": errors.New("exit status 1")},
	}
	client := New(runner)

	pids, err := client.ChildPIDs(t.Context(), 100)
	require.NoError(t, err)
	assert.Equal(t, []int{101, 102}, pids)

	pids, err = client.ChildPIDs(t.Context(), 200)
	require.NoError(t, err)
	assert.Empty(t, pids)

	calls := len(runner.calls)
	pids, err = client.ChildPIDs(t.Context(), 0)
	require.NoError(t, err)
	assert.Empty(t, pids)
	assert.Len(t, runner.calls, calls, "no ps call for pid 0")
}

func TestVersion(t *testing.T) {
	runner := &scriptedRunner{outputs: map[string]string{
		"systemctl --version": "systemd 252 (252.22-1~deb12u1)\n+PAM +AUDIT +SELINUX\n",
	}}

	v, err := New(runner).Version(t.Context())
	require.NoError(t, err)
	assert.Equal(t, "systemd 252 (252.22-1~deb12u1)", v)

	_, err = New(&scriptedRunner{errs: map[string]error{"systemctl --version": errors.New("not found")}}).Version(t.Context())
	require.Error(t, err)
}
