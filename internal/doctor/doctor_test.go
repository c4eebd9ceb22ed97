package doctor

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckWritable_Success(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "locks")
	result := CheckWritable("lock_dir_writable", dir)
	assert.Equal(t, StatusOK, result.Status)
	assert.Equal(t, "lock_dir_writable", result.Name)

	_, err := os.Stat(filepath.Join(dir, ".provisionctl-doctor-test"))
	assert.True(t, os.IsNotExist(err), "marker file must be cleaned up")
}

func TestCheckWritable_ReadOnlyDirFails(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.Chmod(dir, 0500))
	t.Cleanup(func() { _ = os.Chmod(dir, 0700) })

	result := CheckWritable("age_key_dir_writable", filepath.Join(dir, "sub"))
	assert.Equal(t, StatusFail, result.Status)
}

func TestCheckWritable_ExistingMarkerIsCleanedUpAndRetried(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".provisionctl-doctor-test"), []byte("stale"), 0600))

	result := CheckWritable("lock_dir_writable", dir)
	assert.Equal(t, StatusOK, result.Status)
}

func TestCheckClock_Boundaries(t *testing.T) {
	assert.Equal(t, StatusOK, checkClockYear(2020).Status)
	assert.Equal(t, StatusOK, checkClockYear(2100).Status)
	assert.Equal(t, StatusWarn, checkClockYear(2019).Status)
	assert.Equal(t, StatusWarn, checkClockYear(2101).Status)
}

func TestCheckClock_CurrentTimeIsOK(t *testing.T) {
	assert.Equal(t, StatusOK, CheckClock().Status)
}

func TestOverall(t *testing.T) {
	cases := []struct {
		name    string
		results []CheckResult
		want    Status
	}{
		{"all ok", []CheckResult{{Status: StatusOK}, {Status: StatusOK}}, StatusOK},
		{"one warn", []CheckResult{{Status: StatusOK}, {Status: StatusWarn}}, StatusWarn},
		{"one fail", []CheckResult{{Status: StatusOK}, {Status: StatusFail}}, StatusFail},
		{"fail trumps warn", []CheckResult{{Status: StatusWarn}, {Status: StatusFail}}, StatusFail},
		{"empty", nil, StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Overall(tc.results))
		})
	}
}

func TestCheckNetworkFS_LocalTempDir(t *testing.T) {
	result := CheckNetworkFS(t.TempDir())
	assert.Equal(t, StatusOK, result.Status)
}
