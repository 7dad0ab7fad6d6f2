package http

import (
	"strata/pkg/codec"
	"strata/pkg/engine"
	"strata/pkg/types"
)

type Status string

const (
	// StatusOK is used for health-check responses.
	StatusOK Status = "OK"

	// StatusSuccess indicates an operation completed successfully.
	StatusSuccess Status = "success"

	// StatusError indicates an operation failed.
	StatusError Status = "error"
)

// Response is the envelope of operations that return no rows.
type Response struct {
	Status Status `json:"status,omitempty"`
	Error  string `json:"error,omitempty"`
}

func NewOKResponse() Response {
	return Response{Status: StatusOK}
}

func NewSuccessResponse() Response {
	return Response{Status: StatusSuccess}
}

func NewErrorResponse(err string) Response {
	return Response{Status: StatusError, Error: err}
}

// RowJSON is the wire form of one visible row. Series and value travel as
// strings; the engine key encoding stays internal to the server.
type RowJSON struct {
	Series    string `json:"series"`
	Timestamp int64  `json:"timestamp"`
	Value     string `json:"value"`
	Seq       uint64 `json:"seq"`
}

// WriteRequest carries the rows of one atomic engine write.
type WriteRequest struct {
	Rows []WriteRow `json:"rows"`
}

// WriteRow is one mutation: an upsert, or a delete when Delete is set.
type WriteRow struct {
	Series    string `json:"series"`
	Timestamp int64  `json:"timestamp"`
	Value     string `json:"value,omitempty"`
	Delete    bool   `json:"delete,omitempty"`
}

// ScanRequest shapes one range read. An empty series scans the whole
// table; From/To bound timestamps inclusively; a zero snapshot reads the
// latest visible state.
type ScanRequest struct {
	Series   string `json:"series,omitempty"`
	From     *int64 `json:"from,omitempty"`
	To       *int64 `json:"to,omitempty"`
	Snapshot uint64 `json:"snapshot,omitempty"`
	Limit    int    `json:"limit,omitempty"`
}

type ScanResponse struct {
	Status Status    `json:"status"`
	Rows   []RowJSON `json:"rows"`
	Count  int       `json:"count"`
}

type RowResponse struct {
	Status Status  `json:"status"`
	Row    RowJSON `json:"row"`
}

type TablesResponse struct {
	Status Status   `json:"status"`
	Tables []string `json:"tables"`
}

type StatsResponse struct {
	Status Status              `json:"status"`
	Tables []engine.TableStats `json:"tables"`
}

func rowJSON(r types.Row) (RowJSON, error) {
	series, ts, err := codec.DecodeRowKey(r.Key)
	if err != nil {
		return RowJSON{}, err
	}
	return RowJSON{
		Series:    string(series),
		Timestamp: int64(ts),
		Value:     string(r.Value),
		Seq:       uint64(r.Seq),
	}, nil
}
