package delivery

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"
)

// maxResultBody bounds how much of a sink response survives into the
// history ledger.
const maxResultBody = 2048

// postJSON posts the body with bounded retries. 200/201/204 are
// accepted; everything else, including transport errors, is retried up
// to retryMax attempts with sinkBackoff spacing.
func postJSON(ctx context.Context, client httpDoer, url string, body []byte, retryMax int, backoffBase time.Duration) Result {
	if retryMax <= 0 {
		retryMax = 1
	}

	var last Result
	for attempt := 0; attempt < retryMax; attempt++ {
		if attempt > 0 {
			if !sleepCtx(ctx, sinkBackoff(backoffBase, attempt)) {
				last.Error = ctx.Err().Error()
				last.Attempts = attempt
				return last
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return Result{Error: err.Error(), Attempts: attempt + 1}
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := client.Do(req)
		if err != nil {
			last = Result{Error: err.Error(), Attempts: attempt + 1}
			continue
		}

		b, _ := io.ReadAll(io.LimitReader(resp.Body, maxResultBody))
		resp.Body.Close()

		last = Result{Status: resp.StatusCode, Body: string(b), Attempts: attempt + 1}
		switch resp.StatusCode {
		case http.StatusOK, http.StatusCreated, http.StatusNoContent:
			last.OK = true
			return last
		}
	}
	return last
}
