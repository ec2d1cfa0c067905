package protocol

import "time"

// SynthesisRequest asks the daemon to voice Text. It is published by the
// chat front-end on SubjectJobRequest.
type SynthesisRequest struct {
	RequestID string `json:"request_id"`
	UserID    string `json:"user_id"`
	UserName  string `json:"user_name,omitempty"`
	ChatID    int64  `json:"chat_id"`
	MessageID int64  `json:"message_id"`
	Text      string `json:"text"`
	Voice     string `json:"voice"`
	Emotion   string `json:"emotion,omitempty"`
	Samples   int    `json:"samples,omitempty"`
}

// SynthesisAccepted acknowledges a queued request.
type SynthesisAccepted struct {
	RequestID string `json:"request_id"`
	JobID     string `json:"job_id"`
	// Position counts units ahead of this job on the inference worker.
	Position int `json:"position"`
}

// VoiceReply carries one finished sample back to the chat.
type VoiceReply struct {
	RequestID string `json:"request_id"`
	UserID    string `json:"user_id"`
	ChatID    int64  `json:"chat_id"`
	MessageID int64  `json:"message_id"`
	Sample    int    `json:"sample"`
	Caption   string `json:"caption"`
	WAV       []byte `json:"wav"`
}

// SynthesisFailure tells the chat a request could not be voiced.
type SynthesisFailure struct {
	RequestID string    `json:"request_id"`
	UserID    string    `json:"user_id"`
	ChatID    int64     `json:"chat_id"`
	MessageID int64     `json:"message_id"`
	Notice    string    `json:"notice"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	SubjectJobRequest  = "voicepick.job.request"
	SubjectJobAccepted = "voicepick.job.accepted"
	SubjectJobVoice    = "voicepick.job.voice"
	SubjectJobFailed   = "voicepick.job.failed"
)

// FailureNotice is the only failure text shown to users.
const FailureNotice = "synthesis failed"

// WorkerStatus is what a daemon publishes when it announces itself and on
// every heartbeat.
type WorkerStatus struct {
	NodeID     string    `json:"node_id"`
	Runtime    string    `json:"runtime"`
	Engine     string    `json:"engine,omitempty"`
	SampleRate int       `json:"sample_rate,omitempty"`
	MaxSamples int       `json:"max_samples,omitempty"`
	QueueDepth int       `json:"queue_depth"`
	Timestamp  time.Time `json:"timestamp"`
}

const (
	SubjectWorkerAnnounce        = "voicepick.worker.announce"
	SubjectWorkerHeartbeatPrefix = "voicepick.worker.heartbeat"
)
