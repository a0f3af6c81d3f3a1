package snapshot

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRunner matches command substrings to canned responses in order
type fakeRunner struct {
	responses []fakeResponse
	commands  []string
}

type fakeResponse struct {
	match  string
	stdout string
	stderr string
	err    error
}

func (r *fakeRunner) Run(_ context.Context, _ string, _ int, cmd string) (string, string, error) {
	r.commands = append(r.commands, cmd)
	for _, resp := range r.responses {
		if strings.Contains(cmd, resp.match) {
			return resp.stdout, resp.stderr, resp.err
		}
	}
	return "", "", nil
}

func testConfig() S3Config {
	return S3Config{
		Endpoint:  "https://acct.r2.cloudflarestorage.com",
		Bucket:    "fleet-snapshots",
		AccessKey: "AKIA123",
		SecretKey: "secret456",
		Password:  "repo-pass",
	}
}

func newTestEngine(t *testing.T, runner *fakeRunner) *Engine {
	t.Helper()
	engine, err := NewEngine(testConfig(), "gpufleet", "key", withRunner(runner))
	require.NoError(t, err)
	return engine
}

const backupOutput = `{"message_type":"status","percent_done":0.5}
{"message_type":"summary","snapshot_id":"ab12cd34","files_new":120,"files_changed":4,"files_unmodified":900,"data_added":52428800,"total_files_processed":1024,"total_bytes_processed":1073741824,"total_duration":42.5}`

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*S3Config)
		wantErr bool
	}{
		{"valid", func(c *S3Config) {}, false},
		{"missing endpoint", func(c *S3Config) { c.Endpoint = "" }, true},
		{"missing bucket", func(c *S3Config) { c.Bucket = "" }, true},
		{"missing access key", func(c *S3Config) { c.AccessKey = "" }, true},
		{"missing password", func(c *S3Config) { c.Password = "" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestRepositoryURL(t *testing.T) {
	cfg := testConfig()
	cfg.Endpoint = "https://acct.r2.cloudflarestorage.com/"
	assert.Equal(t, "s3:https://acct.r2.cloudflarestorage.com/fleet-snapshots", cfg.repository())
}

func TestCreate(t *testing.T) {
	runner := &fakeRunner{responses: []fakeResponse{
		{match: "cat config", stdout: "{}"},
		{match: "backup", stdout: backupOutput},
	}}
	engine := newTestEngine(t, runner)

	summary, err := engine.Create(context.Background(), "1.2.3.4", 22, "/workspace", []string{"instance-42"})
	require.NoError(t, err)

	assert.Equal(t, "ab12cd34", summary.SnapshotID)
	assert.Equal(t, int64(120), summary.FilesNew)
	assert.Equal(t, int64(52428800), summary.DataAdded)
	assert.Equal(t, int64(1073741824), summary.TotalBytes)

	// Credentials ride in the command environment, repo probed first
	require.Len(t, runner.commands, 2)
	assert.Contains(t, runner.commands[1], `AWS_ACCESS_KEY_ID="AKIA123"`)
	assert.Contains(t, runner.commands[1], `RESTIC_REPOSITORY="s3:https://acct.r2.cloudflarestorage.com/fleet-snapshots"`)
	assert.Contains(t, runner.commands[1], `--tag "instance-42"`)
	assert.Contains(t, runner.commands[1], "--json")
}

func TestCreate_InitializesMissingRepo(t *testing.T) {
	runner := &fakeRunner{responses: []fakeResponse{
		{match: "cat config", err: errors.New("exit status 1"), stderr: "repository does not exist"},
		{match: "init", stdout: "created restic repository"},
		{match: "backup", stdout: backupOutput},
	}}
	engine := newTestEngine(t, runner)

	_, err := engine.Create(context.Background(), "1.2.3.4", 22, "/workspace", nil)
	require.NoError(t, err)
	require.Len(t, runner.commands, 3)
	assert.Contains(t, runner.commands[1], "restic init")
}

func TestCreate_RemoteFailure(t *testing.T) {
	runner := &fakeRunner{responses: []fakeResponse{
		{match: "cat config", stdout: "{}"},
		{match: "backup", err: errors.New("exit status 1"), stderr: "Fatal: unable to open repository"},
	}}
	engine := newTestEngine(t, runner)

	_, err := engine.Create(context.Background(), "1.2.3.4", 22, "/workspace", nil)
	require.Error(t, err)

	var snapErr *Error
	require.ErrorAs(t, err, &snapErr)
	assert.Equal(t, "backup", snapErr.Op)
	assert.Contains(t, snapErr.Stderr, "unable to open repository")
}

func TestList(t *testing.T) {
	runner := &fakeRunner{responses: []fakeResponse{
		{match: "snapshots", stdout: `[
			{"id":"full1","short_id":"ab12","time":"2026-08-01T12:00:00Z","hostname":"gpu-42","tags":["instance-42"],"paths":["/workspace"]},
			{"id":"full2","short_id":"cd34","time":"2026-08-02T12:00:00Z","hostname":"gpu-42","paths":["/workspace"]}
		]`},
	}}
	engine := newTestEngine(t, runner)

	snapshots, err := engine.List(context.Background(), "1.2.3.4", 22, "gpu-42")
	require.NoError(t, err)
	require.Len(t, snapshots, 2)
	assert.Equal(t, "ab12", snapshots[0].ShortID)
	assert.Equal(t, "gpu-42", snapshots[0].Hostname)
	assert.Contains(t, runner.commands[0], `--host "gpu-42"`)
}

func TestList_Empty(t *testing.T) {
	runner := &fakeRunner{responses: []fakeResponse{
		{match: "snapshots", stdout: "null"},
	}}
	engine := newTestEngine(t, runner)

	snapshots, err := engine.List(context.Background(), "1.2.3.4", 22, "")
	require.NoError(t, err)
	assert.Empty(t, snapshots)
	assert.NotContains(t, runner.commands[0], "--host")
}

func TestRestore_ChownErrorsAreBenign(t *testing.T) {
	runner := &fakeRunner{responses: []fakeResponse{
		{
			match:  "restore",
			stdout: `{"message_type":"summary","total_files":850,"total_bytes":734003200}`,
			stderr: "ignoring error for /workspace/data: Lchown: operation not permitted\nignoring error for /workspace/out: Lchown: operation not permitted",
			err:    errors.New("exit status 1"),
		},
	}}
	engine := newTestEngine(t, runner)

	result, err := engine.Restore(context.Background(), "ab12cd34", "1.2.3.4", 22, "/workspace", false)
	require.NoError(t, err)

	assert.Equal(t, "ab12cd34", result.SnapshotID)
	assert.Equal(t, int64(850), result.FilesRestored)
	assert.Equal(t, int64(734003200), result.BytesRestored)
	assert.Len(t, result.FileErrors, 2)
	assert.False(t, result.Verified)
}

func TestRestore_FatalError(t *testing.T) {
	runner := &fakeRunner{responses: []fakeResponse{
		{
			match:  "restore",
			stderr: "Fatal: error loading snapshot zz99: no matching ID found",
			err:    errors.New("exit status 1"),
		},
	}}
	engine := newTestEngine(t, runner)

	_, err := engine.Restore(context.Background(), "zz99", "1.2.3.4", 22, "/workspace", false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no matching ID found")
}

func TestRestore_Verify(t *testing.T) {
	runner := &fakeRunner{responses: []fakeResponse{
		{match: "restore", stdout: `{"message_type":"summary","total_files":10,"total_bytes":1024}`},
		{match: "check", stdout: "no errors were found"},
	}}
	engine := newTestEngine(t, runner)

	result, err := engine.Restore(context.Background(), "ab12", "1.2.3.4", 22, "/workspace", true)
	require.NoError(t, err)
	assert.True(t, result.Verified)
	require.Len(t, runner.commands, 2)
	assert.Contains(t, runner.commands[1], "restic check")
}

func TestDelete(t *testing.T) {
	runner := &fakeRunner{}
	engine := newTestEngine(t, runner)

	require.NoError(t, engine.Delete(context.Background(), "1.2.3.4", 22, "ab12cd34"))
	require.Len(t, runner.commands, 1)
	assert.Contains(t, runner.commands[0], `forget "ab12cd34" --prune`)
}

func TestPrune(t *testing.T) {
	runner := &fakeRunner{responses: []fakeResponse{
		{
			match:  "forget --keep-last 5",
			stdout: `[{"remove":[{"id":"a1"},{"id":"b2"},{"id":"c3"}]}]`,
			stderr: "will delete 12 packs and rewrite 3 packs, this frees 1.5 GiB",
		},
	}}
	engine := newTestEngine(t, runner)

	result, err := engine.Prune(context.Background(), "1.2.3.4", 22, 5)
	require.NoError(t, err)
	assert.Equal(t, 3, result.SnapshotsRemoved)
	assert.Equal(t, int64(1.5*(1<<30)), result.BytesReclaimed)
}

func TestParseBackupSummary_NoSummary(t *testing.T) {
	_, err := parseBackupSummary(`{"message_type":"status","percent_done":0.1}`)
	assert.Error(t, err)
}

func TestClassifyRestoreErrors(t *testing.T) {
	benign, fatal := classifyRestoreErrors(
		"ignoring error for /x: Lchown: operation not permitted\nFatal: wrong password\n\n")
	assert.Len(t, benign, 1)
	require.Len(t, fatal, 1)
	assert.Contains(t, fatal[0], "wrong password")
}

func TestParseFreedBytes(t *testing.T) {
	assert.Equal(t, int64(512*(1<<20)), parseFreedBytes("this frees 512 MiB"))
	assert.Equal(t, int64(0), parseFreedBytes("nothing to prune"))
}
