package isolate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"tgload/internal/fetch"
)

// Resolver finds the adapter named in a Request.
type Resolver interface {
	Get(name string) (fetch.Adapter, bool)
}

// Exit codes of the worker process.
const (
	ExitOK       = 0
	ExitBadInput = 2
	ExitIO       = 3
)

// ServeChild is the worker-mode entrypoint. It reads one Request from in,
// runs the adapter and writes one Response to out. Adapter failures are
// reported in the Response with exit code 0.
func ServeChild(ctx context.Context, in io.Reader, out io.Writer, adapters Resolver) int {
	var req Request
	if err := json.NewDecoder(in).Decode(&req); err != nil {
		_ = writeResponse(out, Response{Error: &ErrorPayload{Kind: fetch.Transient, Message: "decode request: " + err.Error()}})
		return ExitBadInput
	}

	a, ok := adapters.Get(req.Adapter)
	if !ok {
		resp := Response{Error: &ErrorPayload{Kind: fetch.UnsupportedVariant, Message: fmt.Sprintf("no adapter %q", req.Adapter)}}
		if err := writeResponse(out, resp); err != nil {
			return ExitIO
		}
		return ExitOK
	}

	art, err := runAdapter(ctx, a, req.Fetch)
	var resp Response
	if err != nil {
		resp.Error = &ErrorPayload{Kind: fetch.KindOf(err), Message: errMessage(err)}
	} else {
		resp.Artifact = &art
	}
	if err := writeResponse(out, resp); err != nil {
		return ExitIO
	}
	return ExitOK
}

func runAdapter(ctx context.Context, a fetch.Adapter, req fetch.Request) (art fetch.Artifact, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fetch.Errorf(fetch.Transient, "adapter %s panicked: %v", a.Name(), r)
		}
	}()
	art, err = a.Fetch(ctx, req)
	if err == nil && art.Empty() {
		err = fetch.Errorf(fetch.NotFound, "no media found")
	}
	if art.WorkDir == "" {
		art.WorkDir = req.WorkDir
	}
	return art, err
}

func errMessage(err error) string {
	var fe *fetch.Error
	if errors.As(err, &fe) && fe.Err != nil {
		return fe.Err.Error()
	}
	return err.Error()
}

func writeResponse(out io.Writer, resp Response) error {
	return json.NewEncoder(out).Encode(resp)
}
