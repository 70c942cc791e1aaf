package cli

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/ChuLiYu/cropbatch/internal/cropjob"
	"github.com/ChuLiYu/cropbatch/internal/snapshot"
	"github.com/ChuLiYu/cropbatch/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleCrops = 5

// writeFixture creates an image, a crop list and a config file logging into
// the same temp dir.
func writeFixture(t *testing.T) (dir, cfgPath string) {
	t.Helper()
	dir = t.TempDir()

	img, csv, err := cropjob.GenerateSample(48, 32, sampleCrops, 7)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "image.png"), img, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "crops.csv"), csv, 0o644))

	cfgPath = filepath.Join(dir, "config.yaml")
	yaml := fmt.Sprintf(`batch:
  mode: sequential
  repeats: 2
  capacity: 2
worker:
  count: 2
persist:
  concurrency: 2
log:
  dir: %s
  level: debug
`, filepath.Join(dir, "logs"))
	require.NoError(t, os.WriteFile(cfgPath, []byte(yaml), 0o644))
	return dir, cfgPath
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := BuildCLI()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestBuildCLI(t *testing.T) {
	cmd := BuildCLI()

	assert.NotNil(t, cmd, "BuildCLI should return a non-nil command")
	assert.Equal(t, "cropbatch", cmd.Use)
	assert.Equal(t, "1.0.0", cmd.Version, "Version should be 1.0.0")

	// 檢查子命令
	commandNames := make(map[string]bool)
	for _, c := range cmd.Commands() {
		commandNames[c.Name()] = true
	}
	for _, name := range []string{"run", "worker", "clean", "timeline", "status"} {
		assert.True(t, commandNames[name], "Should have %q command", name)
	}

	// 檢查持久化標誌
	configFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, configFlag, "Should have --config flag")
	assert.Equal(t, "c", configFlag.Shorthand)
	assert.Equal(t, "configs/default.yaml", configFlag.DefValue, "Default config path should be configs/default.yaml")
}

func TestBuildRunCommand(t *testing.T) {
	cmd := buildRunCommand()

	assert.Equal(t, "run", cmd.Name())
	assert.NotNil(t, cmd.RunE, "RunE function should be set")

	for flag, short := range map[string]string{
		"mode": "", "repeats": "r", "capacity": "b", "workers": "",
		"rm": "", "log-file": "", "no-progress": "",
	} {
		f := cmd.Flags().Lookup(flag)
		require.NotNil(t, f, "Should have --%s flag", flag)
		assert.Equal(t, short, f.Shorthand, "--%s shorthand", flag)
	}
	assert.True(t, cmd.Flags().Lookup("remove").Hidden, "--remove is a hidden alias")
}

func TestBuildWorkerCommand(t *testing.T) {
	cmd := buildWorkerCommand()

	assert.True(t, cmd.Hidden, "worker command should be hidden")
	assert.NotNil(t, cmd.Flags().Lookup("coordinator"))
	assert.NotNil(t, cmd.Flags().Lookup("id"))
	assert.Equal(t, "debug", cmd.Flags().Lookup("log-level").DefValue)
}

func TestWorkerCommandRequiresCoordinator(t *testing.T) {
	_, err := execute(t, "worker", "--id", "w1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrConfiguration))
}

func TestRunCommandWrongArgs(t *testing.T) {
	_, err := execute(t, "run", "only-image")
	assert.Error(t, err)
}

func TestRunCommandThreadMode(t *testing.T) {
	dir, cfgPath := writeFixture(t)
	output := filepath.Join(dir, "out")

	out, err := execute(t, "-c", cfgPath, "run",
		filepath.Join(dir, "image.png"), filepath.Join(dir, "crops.csv"), output,
		"--mode", "thread", "-r", "3", "--no-progress")
	require.NoError(t, err)

	assert.Contains(t, out, "Batch Report")
	assert.Contains(t, out, "thread")
	assert.Contains(t, out, "✅ Completed:  3")
	assert.Contains(t, out, "Outputs: 15/15")

	n, err := cropjob.CountOutputs(context.Background(), output, "")
	require.NoError(t, err)
	assert.Equal(t, 3*sampleCrops, n)

	logPath := filepath.Join(dir, "logs", "thread-local.log")
	assert.FileExists(t, logPath)

	s, err := snapshot.NewManager(snapshot.PathFor(filepath.Join(dir, "logs"), "thread", "local")).Load()
	require.NoError(t, err)
	assert.Equal(t, 3, s.Completed)
	assert.Equal(t, 0, s.Failed)
}

func TestRunCommandFlagsOverrideConfig(t *testing.T) {
	dir, cfgPath := writeFixture(t)
	logFile := filepath.Join(dir, "custom", "batch.log")

	out, err := execute(t, "-c", cfgPath, "run",
		filepath.Join(dir, "image.png"), filepath.Join(dir, "crops.csv"), filepath.Join(dir, "out"),
		"--log-file", logFile, "--no-progress")
	require.NoError(t, err)

	// repeats from the config file, mode from the config file
	assert.Contains(t, out, "sequential")
	assert.Contains(t, out, "✅ Completed:  2")
	assert.FileExists(t, logFile)
}

func TestRunCommandMissingInputFails(t *testing.T) {
	dir, cfgPath := writeFixture(t)

	_, err := execute(t, "-c", cfgPath, "run",
		filepath.Join(dir, "nope.png"), filepath.Join(dir, "crops.csv"), filepath.Join(dir, "out"),
		"--no-progress")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrJobsFailed), "got %v", err)
}

func TestRunCommandBadMode(t *testing.T) {
	dir, cfgPath := writeFixture(t)

	_, err := execute(t, "-c", cfgPath, "run",
		filepath.Join(dir, "image.png"), filepath.Join(dir, "crops.csv"), filepath.Join(dir, "out"),
		"--mode", "fibers", "--no-progress")
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrConfiguration))
}

func TestStatusAndTimelineAfterRun(t *testing.T) {
	dir, cfgPath := writeFixture(t)

	_, err := execute(t, "-c", cfgPath, "run",
		filepath.Join(dir, "image.png"), filepath.Join(dir, "crops.csv"), filepath.Join(dir, "out"),
		"--no-progress")
	require.NoError(t, err)

	out, err := execute(t, "-c", cfgPath, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "cropbatch Status")
	assert.Contains(t, out, "sequential-local")
	assert.Contains(t, out, "Disabled")

	out, err = execute(t, "-c", cfgPath, "timeline", "-w", "20", filepath.Join(dir, "logs", "*.log"))
	require.NoError(t, err)
	assert.Contains(t, out, "sequential-local.log")
	assert.Contains(t, out, "2 jobs")
}

func TestStatusWithoutBatches(t *testing.T) {
	_, cfgPath := writeFixture(t)

	out, err := execute(t, "-c", cfgPath, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "No batch has run yet")
}

func TestTimelineNoMatch(t *testing.T) {
	_, err := execute(t, "timeline", filepath.Join(t.TempDir(), "*.log"))
	assert.Error(t, err)
}

func TestCleanCommand(t *testing.T) {
	dir, cfgPath := writeFixture(t)
	output := filepath.Join(dir, "out")

	_, err := execute(t, "-c", cfgPath, "run",
		filepath.Join(dir, "image.png"), filepath.Join(dir, "crops.csv"), output,
		"--no-progress")
	require.NoError(t, err)
	require.DirExists(t, output)

	out, err := execute(t, "-c", cfgPath, "clean", output)
	require.NoError(t, err)
	assert.Contains(t, out, "Removed")
	assert.NoDirExists(t, output)
}
