package events

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode(t *testing.T) {
	tests := []struct {
		name  string
		raw   string
		check func(t *testing.T, ev Inbound)
	}{
		{
			name: "progress",
			raw:  `{"type":"analysis_progress","data":{"stage":"video","progress_percent":42.5,"status":"running"}}`,
			check: func(t *testing.T, ev Inbound) {
				require.NotNil(t, ev.Progress)
				assert.Equal(t, KindAnalysisProgress, ev.Kind)
				assert.Equal(t, StageVideo, ev.Progress.Stage)
				assert.Equal(t, 42.5, ev.Progress.ProgressPercent)
				assert.Equal(t, StatusRunning, ev.Progress.Status)
			},
		},
		{
			name: "result",
			raw:  `{"type":"result_ready","data":{"fused_score":80,"voice_score":91}}`,
			check: func(t *testing.T, ev Inbound) {
				require.NotNil(t, ev.Result)
				assert.Equal(t, 80.0, ev.Result.FusedScore)
				assert.Equal(t, 91.0, ev.Result.VoiceScore)
			},
		},
		{
			name: "result without data",
			raw:  `{"type":"result_ready"}`,
			check: func(t *testing.T, ev Inbound) {
				assert.Equal(t, KindResultReady, ev.Kind)
				assert.Nil(t, ev.Result)
			},
		},
		{
			name: "result with null data",
			raw:  `{"type":"result_ready","data":null}`,
			check: func(t *testing.T, ev Inbound) {
				assert.Equal(t, KindResultReady, ev.Kind)
				assert.Nil(t, ev.Result)
			},
		},
		{
			name: "error object",
			raw:  `{"type":"error","data":{"message":"model crashed"}}`,
			check: func(t *testing.T, ev Inbound) {
				require.NotNil(t, ev.Error)
				assert.Equal(t, "model crashed", ev.Error.Message)
			},
		},
		{
			name: "error string",
			raw:  `{"type":"error","data":"quota exceeded"}`,
			check: func(t *testing.T, ev Inbound) {
				assert.Equal(t, "quota exceeded", ev.Error.Message)
			},
		},
		{
			name: "error without data",
			raw:  `{"type":"error"}`,
			check: func(t *testing.T, ev Inbound) {
				assert.Equal(t, "analysis failed", ev.Error.Message)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := Decode([]byte(tt.raw))
			require.NoError(t, err)
			tt.check(t, ev)
		})
	}
}

func TestDecodeRejectsMalformed(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{name: "not json", raw: `{"type":`},
		{name: "unknown type", raw: `{"type":"heartbeat","data":{}}`},
		{name: "unknown stage", raw: `{"type":"analysis_progress","data":{"stage":"audio","progress_percent":1,"status":"running"}}`},
		{name: "unknown status", raw: `{"type":"analysis_progress","data":{"stage":"voice","progress_percent":1,"status":"paused"}}`},
		{name: "progress without data", raw: `{"type":"analysis_progress"}`},
		{name: "result with wrong types", raw: `{"type":"result_ready","data":{"fused_score":"high"}}`},
		{name: "result with scalar data", raw: `{"type":"result_ready","data":"done"}`},
		{name: "error with number", raw: `{"type":"error","data":42}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.raw))
			var me *MalformedEventError
			require.True(t, errors.As(err, &me), "got %v", err)
			assert.Equal(t, tt.raw, string(me.Raw))
		})
	}
}

func TestStageValid(t *testing.T) {
	for _, st := range Stages {
		assert.True(t, st.Valid())
	}
	assert.False(t, Stage("").Valid())
}
