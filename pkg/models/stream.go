package models

// ============================================================================
// Stream Chunks (SSE)
// ============================================================================

// StreamChunkType is the SSE event name of a streamed chunk.
type StreamChunkType string

const (
	ChunkReasoning   StreamChunkType = "reasoning"
	ChunkMetadata    StreamChunkType = "metadata"
	ChunkFinalAnswer StreamChunkType = "final_answer"
	ChunkError       StreamChunkType = "error"
	ChunkProgress    StreamChunkType = "progress"
)

// DoneSentinel is the marker carried by the terminal progress frame of
// every stream, sent after the last chunk on success and failure alike.
const DoneSentinel = "[DONE]"

// StreamChunk is one typed frame on the response stream.
type StreamChunk struct {
	Type    StreamChunkType `json:"type"`
	Content string          `json:"content,omitempty"`
	Data    any             `json:"data,omitempty"`
}

// QueryMetadata describes the executed query for client display.
type QueryMetadata struct {
	AgentName      string    `json:"agent_name"`
	DatasourceID   string    `json:"datasource_id"`
	DatasourceName string    `json:"datasource_name,omitempty"`
	Query          *VDSQuery `json:"query,omitempty"`
	RowCount       int       `json:"row_count"`
	FromCache      bool      `json:"from_cache"`
	BuildAttempts  int       `json:"build_attempts"`
	ExecAttempts   int       `json:"exec_attempts"`
}

// StreamError is the payload of an error chunk.
type StreamError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Progress describes orchestrator-level activity between agent answers.
type Progress struct {
	Stage   string `json:"stage"`
	Agent   string `json:"agent,omitempty"`
	Message string `json:"message,omitempty"`
}

// NewReasoningChunk creates a reasoning chunk from a graph step.
func NewReasoningChunk(step ReasoningStep) StreamChunk {
	return StreamChunk{Type: ChunkReasoning, Content: step.Summary, Data: step}
}

// NewMetadataChunk creates a metadata chunk.
func NewMetadataChunk(meta QueryMetadata) StreamChunk {
	return StreamChunk{Type: ChunkMetadata, Data: meta}
}

// NewFinalAnswerChunk creates a final answer chunk carrying a suffix delta.
func NewFinalAnswerChunk(delta string) StreamChunk {
	return StreamChunk{Type: ChunkFinalAnswer, Content: delta}
}

// NewErrorChunk creates an error chunk with a stable code.
func NewErrorChunk(code, message string) StreamChunk {
	return StreamChunk{Type: ChunkError, Data: StreamError{Code: code, Message: message}}
}

// NewProgressChunk creates a progress chunk.
func NewProgressChunk(stage, agent, message string) StreamChunk {
	return StreamChunk{Type: ChunkProgress, Data: Progress{Stage: stage, Agent: agent, Message: message}}
}
