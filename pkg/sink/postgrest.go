package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"net/http"
	"strings"

	"github.com/NotCoffee418/modbus_meter_logger/pkg/config"
	"github.com/NotCoffee418/modbus_meter_logger/pkg/types"
)

// PostgrestSink posts batches as a JSON array to a PostgREST table endpoint.
// Every row carries all configured registers, missing ones as null, so the
// endpoint always sees the same columns.
type PostgrestSink struct {
	client        *http.Client
	url           string
	authorization string
	template      map[string]any
}

func NewPostgrestSink(cfg config.PostgrestConfig, registers []string, client *http.Client) *PostgrestSink {
	template := make(map[string]any, len(registers)+1)
	template[types.TimestampKey] = nil
	for _, name := range registers {
		template[strings.ToLower(name)] = nil
	}

	return &PostgrestSink{
		client:        client,
		url:           strings.TrimRight(cfg.URL, "/") + "/" + cfg.Table,
		authorization: strings.TrimSpace(cfg.User + " " + cfg.Token),
		template:      template,
	}
}

func (p *PostgrestSink) Name() string { return "postgrest" }

func (p *PostgrestSink) URL() string { return p.url }

func (p *PostgrestSink) rows(samples []types.Sample) []map[string]any {
	rows := make([]map[string]any, 0, len(samples))
	for _, s := range samples {
		row := maps.Clone(p.template)
		for key, v := range s.Flatten() {
			row[strings.ToLower(key)] = v
		}
		rows = append(rows, row)
	}
	return rows
}

func (p *PostgrestSink) InsertMany(ctx context.Context, samples []types.Sample) error {
	if len(samples) == 0 {
		return nil
	}

	body, err := json.Marshal(p.rows(samples))
	if err != nil {
		return fmt.Errorf("sink: marshal batch: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("sink: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Prefer", "return=minimal")
	if p.authorization != "" {
		req.Header.Set("Authorization", p.authorization)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("sink: post batch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: %s: %s", ErrRejected, resp.Status, strings.TrimSpace(string(msg)))
	}
	io.Copy(io.Discard, resp.Body)
	return nil
}

func (p *PostgrestSink) Close() error {
	p.client.CloseIdleConnections()
	return nil
}
