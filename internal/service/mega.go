package service

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
)

// MegaAPI is the public mega.nz command endpoint.
const MegaAPI = "https://g.api.mega.co.nz/cs"

type megaFileInfo struct {
	Size *int64 `json:"s"`
}

// MegaSize looks up the size of a public mega.nz file link through the mega
// API. Folder links and links the API rejects report an unknown size.
func MegaSize(fetcher *HTTP, apiURL string) SizeFunc {
	return func(ctx context.Context, rawURL string, _ *Credentials) (int64, bool) {
		handle, ok := megaHandle(rawURL)
		if !ok {
			return 0, false
		}
		payload, err := json.Marshal([]map[string]any{{"a": "g", "p": handle}})
		if err != nil {
			return 0, false
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, apiURL, bytes.NewReader(payload))
		if err != nil {
			return 0, false
		}
		req.Header.Set("User-Agent", fetcher.userAgent)
		req.Header.Set("Content-Type", "application/json")

		resp, err := fetcher.client.Do(req)
		if err != nil {
			fetcher.log.Debug().Str("url", rawURL).Err(err).Msg("mega size lookup failed")
			return 0, false
		}
		defer func() { _ = resp.Body.Close() }()
		if resp.StatusCode != http.StatusOK {
			return 0, false
		}

		// errors come back as bare negative codes instead of objects
		var replies []json.RawMessage
		if err := json.NewDecoder(resp.Body).Decode(&replies); err != nil || len(replies) != 1 {
			return 0, false
		}
		var info megaFileInfo
		if err := json.Unmarshal(replies[0], &info); err != nil || info.Size == nil || *info.Size < 0 {
			return 0, false
		}
		return *info.Size, true
	}
}

// megaHandle extracts the public file handle from
// https://mega.nz/file/<handle>#<key> and the legacy https://mega.nz/#!<handle>!<key>.
func megaHandle(rawURL string) (string, bool) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", false
	}
	if rest, ok := strings.CutPrefix(u.Path, "/file/"); ok {
		handle, _, _ := strings.Cut(rest, "/")
		return handle, handle != ""
	}
	if rest, ok := strings.CutPrefix(u.Fragment, "!"); ok {
		handle, _, _ := strings.Cut(rest, "!")
		return handle, handle != ""
	}
	return "", false
}
