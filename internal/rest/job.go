package rest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"pkt.systems/pslog"
	"pkt.systems/saslink/core"
	"pkt.systems/saslink/schema"
)

// job is the core.JobSource for one submitted compute job.
type job struct {
	client  *client
	session string
	id      string
	etag    string
	logger  pslog.Logger
}

func (j *job) path(suffix string) string {
	return fmt.Sprintf("/sessions/%s/jobs/%s/%s", url.PathEscape(j.session), url.PathEscape(j.id), suffix)
}

func waitSeconds(wait time.Duration) string {
	secs := int(wait / time.Second)
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}

// PollState long-polls the job state. A 304 maps to core.ErrNotModified.
func (j *job) PollState(ctx context.Context, wait time.Duration) (schema.JobState, error) {
	path := j.path("state")
	if wait > 0 {
		path = withQuery(path, map[string]string{"wait": waitSeconds(wait)})
	}
	resp, err := j.client.do(ctx, request{
		method:  http.MethodGet,
		path:    path,
		headers: map[string]string{"If-None-Match": j.etag},
	})
	if err != nil {
		return "", err
	}
	defer drain(resp)
	if resp.StatusCode == http.StatusNotModified {
		return "", core.ErrNotModified
	}
	if err := expect(resp, http.StatusOK); err != nil {
		return "", err
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return "", err
	}
	if etag := resp.Header.Get("ETag"); etag != "" {
		j.etag = etag
	}
	state := schema.ParseJobState(string(body))
	j.logger.Trace("rest job state", "state", state)
	return state, nil
}

// FetchLog reads one log page from cursor.
func (j *job) FetchLog(ctx context.Context, cursor core.LogCursor, wait time.Duration) (core.LogPage, error) {
	path := cursor.Next
	if path == "" {
		path = withQuery(j.path("log"), map[string]string{"start": strconv.Itoa(cursor.Offset)})
	}
	if wait > 0 {
		path = withQuery(path, map[string]string{"timeout": waitSeconds(wait)})
	}
	resp, err := j.client.do(ctx, request{method: http.MethodGet, path: path})
	if err != nil {
		return core.LogPage{}, err
	}
	defer drain(resp)
	if err := expect(resp, http.StatusOK); err != nil {
		return core.LogPage{}, err
	}
	var collection logCollection
	if err := json.NewDecoder(resp.Body).Decode(&collection); err != nil {
		return core.LogPage{}, fmt.Errorf("decode log page: %w", err)
	}
	page := core.LogPage{Next: findLink(collection.Links, "next")}
	if len(collection.Items) > 0 {
		page.Lines = make([]schema.LogLine, 0, len(collection.Items))
		for _, item := range collection.Items {
			page.Lines = append(page.Lines, schema.LogLine{
				Type: schema.ParseLogType(item.Type),
				Line: strings.TrimRight(item.Line, "\r\n"),
			})
		}
	}
	j.logger.Trace("rest log page", "offset", cursor.Offset, "lines", len(page.Lines), "next", page.Next != "")
	return page, nil
}
