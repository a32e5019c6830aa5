package host

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"specbridge/internal/analysis"
	"specbridge/internal/apiclient"
	"specbridge/internal/bridge"
)

var errNoService = errors.New("analysis service is not configured")

// DiffStarted acknowledges a diff summary request. The summary itself
// arrives as diff-summary-update pushes.
type DiffStarted struct {
	Key        string `json:"key"`
	Generation uint64 `json:"generation"`
}

func (h *Host) registerInterceptors() {
	h.router.Handle(bridge.TypeFetchRemoteResource, h.fetchRemoteResource)
	h.router.Handle(bridge.TypeGetActiveConfiguration, h.getActiveConfiguration)
	h.router.Handle(bridge.TypeOpenNativeSettings, h.openNativeSettings)
	h.router.Handle(bridge.TypePersistDocument, h.persistDocument)
	h.router.Handle(bridge.TypeExecuteHostCommand, h.executeHostCommand)
	h.router.Handle(bridge.TypeReadHostObjectPath, h.readHostObjectPath)
	h.router.Handle(bridge.TypeFetchDiffSummary, h.fetchDiffSummary)
	h.router.Handle(bridge.TypeReportUploadHistoryChange, h.reportUploadHistoryChange)
	h.router.Handle(bridge.TypeGetSpecAnalyses, h.getSpecAnalyses)
	h.router.Handle(bridge.TypeAppIsReady, h.appIsReady)
}

func (h *Host) fetchRemoteResource(ctx context.Context, p *bridge.Protocol, req *bridge.Request) error {
	if h.svc == nil {
		return errNoService
	}
	var params bridge.FetchParams
	if err := req.Decode(&params); err != nil {
		return err
	}
	if params.URL == "" {
		return errors.New("fetch-remote-resource needs a url")
	}
	call := apiclient.Request{
		Method:  params.Method,
		Path:    params.URL,
		Params:  params.Params,
		Headers: params.Headers,
	}
	if len(params.Data) > 0 {
		call.Body = params.Data
	}
	resp, err := h.svc.Do(ctx, call)
	if err != nil {
		return err
	}
	return p.Reply(req, resp.Body)
}

func (h *Host) getActiveConfiguration(_ context.Context, p *bridge.Protocol, req *bridge.Request) error {
	return p.Reply(req, h.settings())
}

func (h *Host) openNativeSettings(ctx context.Context, p *bridge.Protocol, req *bridge.Request) error {
	if err := h.settingUI.OpenSettings(ctx); err != nil {
		return err
	}
	return p.Reply(req, nil)
}

func (h *Host) persistDocument(ctx context.Context, p *bridge.Protocol, req *bridge.Request) error {
	var params bridge.PersistParams
	if err := req.Decode(&params); err != nil {
		return err
	}
	if params.FilePath == "" {
		return errors.New("persist-document-to-disk needs a file path")
	}
	if err := h.docs.WriteDocument(ctx, params.FilePath, []byte(params.Content)); err != nil {
		return err
	}
	return p.Reply(req, bridge.PersistResult{Status: "ok"})
}

const filePrefix = "file://"

func (h *Host) executeHostCommand(ctx context.Context, p *bridge.Protocol, req *bridge.Request) error {
	var params bridge.CommandParams
	if err := req.Decode(&params); err != nil {
		return err
	}
	if params.Namespace == bridge.DocumentNamespace {
		result, err := h.runDocumentCommand(ctx, params.Command, params.Args)
		if err != nil {
			return err
		}
		if result == nil {
			result = "ok"
		}
		return p.Reply(req, result)
	}
	if params.Namespace == "" {
		params.Namespace = "window"
	}
	args := make([]any, len(params.Args))
	for i, raw := range params.Args {
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			return fmt.Errorf("decode argument %d: %w", i, err)
		}
		if s, ok := v.(string); ok && strings.HasPrefix(s, filePrefix) {
			v = strings.TrimPrefix(s, filePrefix)
		}
		args[i] = v
	}
	result, err := h.commands.Execute(ctx, params.Namespace, params.Command, args)
	if err != nil {
		return err
	}
	if result == nil {
		result = "ok"
	}
	return p.Reply(req, result)
}

func (h *Host) readHostObjectPath(_ context.Context, p *bridge.Protocol, req *bridge.Request) error {
	var path string
	if err := req.Decode(&path); err != nil {
		return err
	}
	v, err := h.objects.ReadObject(path)
	if err != nil {
		return err
	}
	return p.Reply(req, v)
}

func (h *Host) fetchDiffSummary(ctx context.Context, p *bridge.Protocol, req *bridge.Request) error {
	var params bridge.DiffSummaryParams
	if err := req.Decode(&params); err != nil {
		return err
	}
	s, err := h.ShowDiff(ctx, params)
	if err != nil {
		return err
	}
	return p.Reply(req, DiffStarted{Key: s.Key(), Generation: s.Generation()})
}

func (h *Host) reportUploadHistoryChange(_ context.Context, p *bridge.Protocol, req *bridge.Request) error {
	if h.uploads == nil {
		return errors.New("upload history is not available")
	}
	var change bridge.UploadChange
	if err := req.Decode(&change); err != nil {
		return err
	}
	if change.Path == "" {
		return errors.New("upload change needs a path")
	}
	if change.Remove {
		h.uploads.Delete(change.Path, true)
	} else {
		h.uploads.Set(change.Path, change.Query)
	}
	return p.Reply(req, nil)
}

func (h *Host) getSpecAnalyses(ctx context.Context, p *bridge.Protocol, req *bridge.Request) error {
	if h.svc == nil {
		return errNoService
	}
	var params bridge.SpecAnalysesParams
	if err := req.Decode(&params); err != nil {
		return err
	}
	meta, err := h.svc.Analyzers(ctx)
	if err != nil {
		return err
	}
	results, err := h.svc.SpecAnalyses(ctx, params.ServiceID, params.SpecID)
	if err != nil {
		return err
	}
	return p.Reply(req, analysis.NewReport(results, meta))
}

func (h *Host) appIsReady(ctx context.Context, p *bridge.Protocol, req *bridge.Request) error {
	if s, ok := h.replayDiff(ctx); ok {
		h.log.Debug("replaying diff summary", zap.Uint64("generation", s.Generation()))
	}
	return p.Reply(req, nil)
}
