package bridge

import (
	"context"
	"encoding/json"

	"specbridge/internal/config"
)

// Client is the view side of the protocol with one method per request type.
type Client struct {
	p *Protocol
}

func NewClient(p *Protocol) *Client { return &Client{p: p} }

// Protocol returns the underlying protocol.
func (c *Client) Protocol() *Protocol { return c.p }

// Fetch proxies a service call through the host and returns the reply body.
func (c *Client) Fetch(ctx context.Context, params FetchParams, opts ...CallOption) (json.RawMessage, error) {
	return c.p.Send(ctx, TypeFetchRemoteResource, params, opts...)
}

// Configuration returns the host's active settings.
func (c *Client) Configuration(ctx context.Context) (config.Settings, error) {
	var s config.Settings
	err := c.p.SendInto(ctx, TypeGetActiveConfiguration, nil, &s)
	return s, err
}

// OpenSettings asks the host to show its settings.
func (c *Client) OpenSettings(ctx context.Context) error {
	_, err := c.p.Send(ctx, TypeOpenNativeSettings, nil)
	return err
}

// Persist asks the host to write a document.
func (c *Client) Persist(ctx context.Context, params PersistParams) (PersistResult, error) {
	var res PersistResult
	err := c.p.SendInto(ctx, TypePersistDocument, params, &res)
	return res, err
}

// Execute runs a host command and returns its result.
func (c *Client) Execute(ctx context.Context, params CommandParams) (json.RawMessage, error) {
	return c.p.Send(ctx, TypeExecuteHostCommand, params)
}

// Document runs a document command and decodes its result into out, which
// may be nil.
func (c *Client) Document(ctx context.Context, command string, params DocumentParams, out any) error {
	arg, err := json.Marshal(params)
	if err != nil {
		return err
	}
	return c.p.SendInto(ctx, TypeExecuteHostCommand, CommandParams{
		Namespace: DocumentNamespace,
		Command:   command,
		Args:      []json.RawMessage{arg},
	}, out)
}

// ReadObject reads a dotted path of host state.
func (c *Client) ReadObject(ctx context.Context, path string) (json.RawMessage, error) {
	return c.p.Send(ctx, TypeReadHostObjectPath, path)
}

// FetchDiffSummary starts a diff summary; the result streams in as
// diff-summary-update pushes.
func (c *Client) FetchDiffSummary(ctx context.Context, params DiffSummaryParams) (json.RawMessage, error) {
	return c.p.Send(ctx, TypeFetchDiffSummary, params)
}

// ReportUpload records or forgets an upload in the host's history.
func (c *Client) ReportUpload(ctx context.Context, change UploadChange) error {
	_, err := c.p.Send(ctx, TypeReportUploadHistoryChange, change)
	return err
}

// SpecAnalyses fetches the stored analyses of a spec and decodes them into
// out.
func (c *Client) SpecAnalyses(ctx context.Context, params SpecAnalysesParams, out any) error {
	return c.p.SendInto(ctx, TypeGetSpecAnalyses, params, out)
}

// Ready tells the host the view can receive pushes.
func (c *Client) Ready(ctx context.Context) error {
	_, err := c.p.Send(ctx, TypeAppIsReady, nil)
	return err
}
