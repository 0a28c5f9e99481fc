// Copyright 2022 Matrix Origin
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package logutil

import (
	"os"
	"path"
	"regexp"
	"testing"
	"time"

	"github.com/lni/goutils/leaktest"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/matrixorigin/wavegroup/pkg/common/moerr"
)

func TestLogConfigLevels(t *testing.T) {
	tests := []struct {
		name      string
		cfg       LogConfig
		wantLevel zapcore.Level
		wantStack zapcore.Level
	}{
		{"defaults", LogConfig{Level: "info"}, zapcore.InfoLevel, zapcore.FatalLevel},
		{"debug with error stacks", LogConfig{Level: "debug", StacktraceLevel: "error"}, zapcore.DebugLevel, zapcore.ErrorLevel},
		{"warn with panic stacks", LogConfig{Level: "warn", StacktraceLevel: "panic"}, zapcore.WarnLevel, zapcore.PanicLevel},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.wantLevel, tt.cfg.getLevel().Level())
			require.Equal(t, tt.wantStack, tt.cfg.getStacktraceLevel())
			require.Len(t, tt.cfg.getOptions(), 2)
			require.Equal(t, getConsoleSyncer(), tt.cfg.getSyncer())
			require.Len(t, tt.cfg.getSinks(), 1)
		})
	}

	bad := LogConfig{Level: "loud"}
	require.Panics(t, func() { bad.getLevel() })
}

func TestSetupMOLogger(t *testing.T) {
	defer leaktest.AfterTest(t)()
	old := getGlobalLogConfig()
	defer SetupMOLogger(&old)

	for _, format := range []string{"console", "json"} {
		SetupMOLogger(&LogConfig{
			Level:           zapcore.DebugLevel.String(),
			Format:          format,
			StacktraceLevel: "error",
		})
		require.Equal(t, format, getGlobalLogConfig().Format)
		require.True(t, GetGlobalLogger().Core().Enabled(zapcore.DebugLevel))
		Debug("restock", zap.Int("partition", 3))
		Debugf("rehash %d buckets", 128)
	}

	SetupMOLogger(&LogConfig{Level: "error", Format: "json"})
	require.False(t, GetGlobalLogger().Core().Enabled(zapcore.InfoLevel))
}

func TestSetupMOLogger_unknownFormat(t *testing.T) {
	defer func() {
		p := recover()
		require.NotNil(t, p)
		err, ok := p.(error)
		require.True(t, ok)
		require.True(t, moerr.IsMoErrCode(err, moerr.ErrInternal))
	}()
	SetupMOLogger(&LogConfig{Level: "info", Format: "xml"})
}

func TestLoggerEncoder(t *testing.T) {
	entry := zapcore.Entry{
		Level:   zapcore.WarnLevel,
		Time:    time.Date(2024, 3, 1, 12, 30, 45, 123456000, time.UTC),
		Message: "device arena low",
	}
	fields := []zap.Field{zap.Int64("inUse", 4096)}

	buf, err := getLoggerEncoder("console").EncodeEntry(entry, fields)
	require.NoError(t, err)
	require.Regexp(t, regexp.MustCompile(`^2024/03/01 12:30:45\.123456 \+0000\tWARN\tdevice arena low\t\{"inUse": 4096\}`), buf.String())

	buf, err = getLoggerEncoder("json").EncodeEntry(entry, fields)
	require.NoError(t, err)
	require.Regexp(t, `"level":"WARN".*"msg":"device arena low".*"inUse":4096`, buf.String())

	// an empty format selects json
	buf, err = getLoggerEncoder("").EncodeEntry(entry, nil)
	require.NoError(t, err)
	require.Contains(t, buf.String(), `"msg":"device arena low"`)
}

func TestElapsed(t *testing.T) {
	f := Elapsed(time.Now().Add(-time.Second))
	require.Equal(t, "elapsed", f.Key)
	require.Equal(t, zapcore.DurationType, f.Type)
	require.GreaterOrEqual(t, time.Duration(f.Integer), time.Second)
}

func TestSetupMOLogger_panicDir(t *testing.T) {
	conf := &LogConfig{
		Level:    zapcore.DebugLevel.String(),
		Format:   "json",
		Filename: t.TempDir(),
	}
	require.PanicsWithValue(t, "log file can't be a directory", func() { SetupMOLogger(conf) })
}

// lumberjack keeps a background goroutine for rotation, so no leaktest here.
func TestSetupMOLogger_file(t *testing.T) {
	old := getGlobalLogConfig()
	defer SetupMOLogger(&old)

	filename := path.Join(t.TempDir(), "wave.log")
	SetupMOLogger(&LogConfig{
		Level:    zapcore.InfoLevel.String(),
		Format:   "json",
		Filename: filename,
	})
	Info("resupply", zap.Int64("newSize", 4096))
	require.NoError(t, GetGlobalLogger().Sync())

	data, err := os.ReadFile(filename)
	require.NoError(t, err)
	require.Contains(t, string(data), `"newSize":4096`)
}
