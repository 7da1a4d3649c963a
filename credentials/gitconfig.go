/*
Copyright 2026 Anomaly Co.
SPDX-License-Identifier: Apache-2.0
*/

package credentials

import (
	"encoding/base64"
	"fmt"

	"github.com/go-git/go-git/v5"
)

const (
	httpSection       = "http"
	githubSubsection  = "https://github.com/"
	extraheaderOption = "extraheader"

	botName  = "archon-agent[bot]"
	botEmail = "archon-agent[bot]@users.noreply.github.com"
)

// gitSnapshot captures the repository-local git config state replaced by
// InstallGit, so Release can restore it byte for byte.
type gitSnapshot struct {
	repoPath string

	hadExtraheader bool
	extraheader    string

	userName  string
	userEmail string
}

// authHeader renders the extraheader value git uses for authenticated HTTPS
// pushes: "AUTHORIZATION: basic base64(x-access-token:TOKEN)".
func authHeader(token string) string {
	basic := base64.StdEncoding.EncodeToString([]byte("x-access-token:" + token))
	return "AUTHORIZATION: basic " + basic
}

// installGit snapshots and replaces the repository's github.com extraheader
// and commit identity. The snapshot is taken before any write.
func installGit(repoPath, token string) (*gitSnapshot, error) {
	repo, err := git.PlainOpen(repoPath)
	if err != nil {
		return nil, fmt.Errorf("opening repository %s: %w", repoPath, err)
	}

	cfg, err := repo.Config()
	if err != nil {
		return nil, fmt.Errorf("reading git config: %w", err)
	}

	sub := cfg.Raw.Section(httpSection).Subsection(githubSubsection)
	snap := &gitSnapshot{
		repoPath:       repoPath,
		hadExtraheader: sub.HasOption(extraheaderOption),
		extraheader:    sub.Option(extraheaderOption),
		userName:       cfg.User.Name,
		userEmail:      cfg.User.Email,
	}

	sub.SetOption(extraheaderOption, authHeader(token))
	cfg.User.Name = botName
	cfg.User.Email = botEmail

	if err := repo.SetConfig(cfg); err != nil {
		return nil, fmt.Errorf("writing git config: %w", err)
	}
	return snap, nil
}

// restore puts the snapshotted config values back. Options that did not
// exist before install are removed rather than blanked.
func (s *gitSnapshot) restore() error {
	repo, err := git.PlainOpen(s.repoPath)
	if err != nil {
		return fmt.Errorf("opening repository %s: %w", s.repoPath, err)
	}

	cfg, err := repo.Config()
	if err != nil {
		return fmt.Errorf("reading git config: %w", err)
	}

	sub := cfg.Raw.Section(httpSection).Subsection(githubSubsection)
	if s.hadExtraheader {
		sub.SetOption(extraheaderOption, s.extraheader)
	} else {
		sub.RemoveOption(extraheaderOption)
	}
	cfg.User.Name = s.userName
	cfg.User.Email = s.userEmail

	if err := repo.SetConfig(cfg); err != nil {
		return fmt.Errorf("restoring git config: %w", err)
	}
	return nil
}
