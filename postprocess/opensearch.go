package postprocess

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/avast/retry-go"
)

const (
	exportTimeout    = 30 * time.Second
	exportAttempts   = 3
	defaultIndexName = "zathras-results"
)

var exportRetryDelay = 5 * time.Second

// Exporter pushes documents to an OpenSearch endpoint. Either a
// bearer token or a username/password pair may be set; token wins.
type Exporter struct {
	URL      string
	Index    string
	Username string
	Password string
	Token    string

	client *http.Client
}

func NewExporter(url, index string) *Exporter {
	if index == "" {
		index = defaultIndexName
	}
	return &Exporter{
		URL:    strings.TrimRight(url, "/"),
		Index:  index,
		client: &http.Client{Timeout: exportTimeout},
	}
}

// Export pushes all documents in one _bulk request, retrying the whole
// batch on transport errors. Documents are indexed under their stable
// document IDs so a re-export overwrites instead of duplicating.
func (e *Exporter) Export(ctx context.Context, docs []*Document) error {
	if len(docs) == 0 {
		return nil
	}
	body, err := e.bulkBody(docs)
	if err != nil {
		return err
	}

	return retry.Do(
		func() error { return e.push(ctx, body) },
		retry.Attempts(exportAttempts),
		retry.Delay(exportRetryDelay),
		retry.Context(ctx),
	)
}

// bulkBody renders the ndjson action/document line pairs.
func (e *Exporter) bulkBody(docs []*Document) ([]byte, error) {
	var buf bytes.Buffer
	for _, doc := range docs {
		action := map[string]map[string]string{
			"index": {"_index": e.Index, "_id": doc.Metadata.DocumentID},
		}
		err := json.NewEncoder(&buf).Encode(action)
		if err != nil {
			return nil, err
		}
		err = json.NewEncoder(&buf).Encode(doc)
		if err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

func (e *Exporter) push(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.URL+"/_bulk", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-ndjson")
	switch {
	case e.Token != "":
		req.Header.Set("Authorization", "Bearer "+e.Token)
	case e.Username != "":
		req.SetBasicAuth(e.Username, e.Password)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("bulk request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("bulk request returned %s: %s", resp.Status, string(msg))
	}

	var result struct {
		Errors bool `json:"errors"`
		Items  []map[string]struct {
			ID     string `json:"_id"`
			Status int    `json:"status"`
		} `json:"items"`
	}
	err = json.NewDecoder(resp.Body).Decode(&result)
	if err != nil {
		return fmt.Errorf("can't decode bulk response: %w", err)
	}
	if result.Errors {
		for _, item := range result.Items {
			for op, r := range item {
				if r.Status >= 300 {
					slog.Error("document rejected",
						slog.String("op", op),
						slog.String("id", r.ID),
						slog.Int("status", r.Status),
					)
				}
			}
		}
		return fmt.Errorf("bulk export had per-document failures")
	}
	return nil
}
