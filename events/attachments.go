/*
Copyright 2026 Anomaly Co.
SPDX-License-Identifier: Apache-2.0
*/

package events

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"path"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/chainguard-dev/clog"
)

// Attachment is a downloaded prompt attachment. Start/End are byte offsets
// of the replacement token in the rewritten prompt, so the session layer can
// point file parts back at the text they replaced.
type Attachment struct {
	Filename    string
	Mime        string
	Content     string // base64
	Start       int
	End         int
	Replacement string
}

// DecodedSize approximates the decoded byte size of the base64 content.
func (a Attachment) DecodedSize() int {
	return len(a.Content) * 3 / 4
}

// Matches both markdown links/images and HTML img tags pointing at GitHub's
// attachment storage:
//
//	![Image](https://github.com/user-attachments/assets/xxxx)
//	[api.json](https://github.com/user-attachments/files/123/api.json)
//	<img alt="Image" src="https://github.com/user-attachments/assets/xxxx" />
var (
	mdAttachmentRe  = regexp.MustCompile(`(?i)!?\[.*?\]\((https://github\.com/user-attachments/[^)]+)\)`)
	tagAttachmentRe = regexp.MustCompile(`(?i)<img .*?src="(https://github\.com/user-attachments/[^"]+)" />`)
)

type attachmentMatch struct {
	full  string
	url   string
	start int
}

func findAttachmentMatches(prompt string) []attachmentMatch {
	var matches []attachmentMatch
	for _, re := range []*regexp.Regexp{mdAttachmentRe, tagAttachmentRe} {
		for _, idx := range re.FindAllStringSubmatchIndex(prompt, -1) {
			matches = append(matches, attachmentMatch{
				full:  prompt[idx[0]:idx[1]],
				url:   prompt[idx[2]:idx[3]],
				start: idx[0],
			})
		}
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].start < matches[j].start })
	return matches
}

// Downloader fetches prompt attachments with the run's installation token.
type Downloader struct {
	Client *http.Client
	Token  string
}

// ExtractAttachments scans the prompt for attachment links, downloads them
// concurrently, and rewrites each matched link to a short @filename token.
// Replacements are applied in original match order with a running length
// delta so earlier rewrites do not corrupt later offsets. A failed download
// is logged and skipped; it never fails the run.
func (d *Downloader) ExtractAttachments(ctx context.Context, prompt string) (string, []Attachment) {
	log := clog.FromContext(ctx)

	matches := findAttachmentMatches(prompt)
	if len(matches) == 0 {
		return prompt, nil
	}

	type download struct {
		mime    string
		content string
		err     error
	}
	downloads := make([]download, len(matches))

	// Downloads are order-independent; the merge below is not.
	var wg sync.WaitGroup
	for i, m := range matches {
		wg.Add(1)
		go func(i int, url string) {
			defer wg.Done()
			mime, content, err := d.fetch(ctx, url)
			downloads[i] = download{mime: mime, content: content, err: err}
		}(i, m.url)
	}
	wg.Wait()

	var attachments []Attachment
	offset := 0
	for i, m := range matches {
		if downloads[i].err != nil {
			log.With("url", m.url).With("error", downloads[i].err).
				Warn("Failed to download attachment, skipping")
			continue
		}

		filename := path.Base(m.url)
		replacement := "@" + filename
		start := m.start + offset
		prompt = prompt[:start] + replacement + prompt[start+len(m.full):]
		offset += len(replacement) - len(m.full)

		attachments = append(attachments, Attachment{
			Filename:    filename,
			Mime:        downloads[i].mime,
			Content:     downloads[i].content,
			Start:       start,
			End:         start + len(replacement),
			Replacement: replacement,
		})
	}

	return prompt, attachments
}

func (d *Downloader) fetch(ctx context.Context, url string) (mime, content string, err error) {
	client := d.Client
	if client == nil {
		client = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", "", err
	}
	req.Header.Set("Authorization", "Bearer "+d.Token)
	req.Header.Set("Accept", "application/vnd.github.v3+json")

	resp, err := client.Do(req)
	if err != nil {
		return "", "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", "", fmt.Errorf("download returned %s", resp.Status)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", "", err
	}

	mime = resp.Header.Get("Content-Type")
	if !strings.HasPrefix(mime, "image/") {
		mime = "text/plain"
	}
	return mime, base64.StdEncoding.EncodeToString(data), nil
}
