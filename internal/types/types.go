package types

import (
	"fmt"
	"time"
)

type Row = map[string]any

type ColumnType string

const (
	ColumnText    ColumnType = "text"
	ColumnNumber  ColumnType = "number"
	ColumnBoolean ColumnType = "boolean"
	ColumnDate    ColumnType = "date"
	ColumnEmail   ColumnType = "email"
	ColumnURL     ColumnType = "url"
)

// ColumnSchema describes one column of a parsed source. It is descriptive
// metadata for downstream consumers, never authoritative.
type ColumnSchema struct {
	Type         ColumnType `json:"type"`
	Nullable     bool       `json:"nullable"`
	SampleValues []string   `json:"sampleValues"`
}

type Schema map[string]ColumnSchema

type ProcessOptions struct {
	Sheet        string `json:"sheet,omitempty"`
	DetectTables bool   `json:"detectTables,omitempty"`
}

type FileInput struct {
	Buffer   []byte
	FileName string
	MimeType string
	Options  ProcessOptions
}

type URLInput struct {
	URL     string         `json:"url"`
	Options ProcessOptions `json:"options"`
}

type InputKind string

const (
	InputNone   InputKind = ""
	InputFile   InputKind = "file"
	InputURL    InputKind = "url"
	InputStream InputKind = "stream"
)

// SourceInput is a tagged union; exactly one variant must be populated.
type SourceInput struct {
	File   *FileInput
	URL    *URLInput
	Stream *StreamingSourceConfig
}

func (in SourceInput) Kind() InputKind {
	switch {
	case in.File != nil:
		return InputFile
	case in.URL != nil:
		return InputURL
	case in.Stream != nil:
		return InputStream
	default:
		return InputNone
	}
}

func (in SourceInput) Validate() error {
	set := 0
	if in.File != nil {
		set++
	}
	if in.URL != nil {
		set++
	}
	if in.Stream != nil {
		set++
	}
	if set != 1 {
		return NewFormatError("input", "", fmt.Sprintf("exactly one input variant must be set, got %d", set))
	}
	return nil
}

type SourceResult struct {
	Data           []Row          `json:"data"`
	Schema         Schema         `json:"schema"`
	RecordCount    int            `json:"recordCount"`
	Preview        []Row          `json:"preview"`
	SourceMetadata map[string]any `json:"sourceMetadata"`
	StorageURI     string         `json:"storageUri"`
	Checksum       string         `json:"checksum"`
}

type StreamRecord struct {
	Data           any
	Timestamp      time.Time
	DedupeKey      string
	SequenceID     int64
	SourceMetadata map[string]any
}

type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateError        ConnectionState = "error"
)

type StreamingStatus struct {
	IsRunning        bool            `json:"isRunning"`
	RecordsReceived  int64           `json:"recordsReceived"`
	RecordsProcessed int64           `json:"recordsProcessed"`
	ConnectionStatus ConnectionState `json:"connectionStatus"`
	BufferSize       int             `json:"bufferSize"`
	ErrorCount       int64           `json:"errorCount"`
	LastError        string          `json:"lastError,omitempty"`
	Uptime           time.Duration   `json:"uptime"`
}
