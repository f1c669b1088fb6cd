// Package mention finds @mentions in message text and resolves them against
// the user directory. Nothing here performs I/O.
package mention

import (
	"regexp"
	"strings"

	"ops_chat/server/chat/domain"
)

// An '@' followed by a quoted run (multi-word display names) or a bare run
// of name/email characters. FindAll scans left to right without overlap.
var tokenPattern = regexp.MustCompile(`@(?:"([^"]+)"|([A-Za-z0-9._@-]+))`)

// Extract returns the raw mention tokens of body in order of appearance.
// Duplicates are kept; Resolve collapses them.
func Extract(body string) []string {
	matches := tokenPattern.FindAllStringSubmatch(body, -1)
	if len(matches) == 0 {
		return nil
	}
	tokens := make([]string, 0, len(matches))
	for _, m := range matches {
		token := m[1]
		if token == "" {
			token = m[2]
		}
		token = strings.TrimSpace(token)
		if token == "" {
			continue
		}
		tokens = append(tokens, token)
	}
	return tokens
}

// Candidates extracts tokens and resolves each one independently.
func Candidates(body string, users []domain.DirectoryUser) []domain.MentionCandidate {
	tokens := Extract(body)
	out := make([]domain.MentionCandidate, 0, len(tokens))
	for _, token := range tokens {
		c := domain.MentionCandidate{RawToken: token}
		if u, ok := match(token, users); ok {
			c.ResolvedUserID = u.ID
		}
		out = append(out, c)
	}
	return out
}

// Resolve returns the distinct directory users mentioned in body, in first
// mention order, never including authorID.
//
// Matching is exact and case-insensitive on display name, first name, last
// name, email or email local part. When several users share a matching
// field the first one in directory order wins.
func Resolve(body, authorID string, users []domain.DirectoryUser) []domain.DirectoryUser {
	var out []domain.DirectoryUser
	seen := map[string]struct{}{}
	for _, c := range Candidates(body, users) {
		if c.ResolvedUserID == "" || c.ResolvedUserID == authorID {
			continue
		}
		if _, ok := seen[c.ResolvedUserID]; ok {
			continue
		}
		seen[c.ResolvedUserID] = struct{}{}
		for _, u := range users {
			if u.ID == c.ResolvedUserID {
				out = append(out, u)
				break
			}
		}
	}
	return out
}

func match(token string, users []domain.DirectoryUser) (domain.DirectoryUser, bool) {
	if u, ok := matchExact(token, users); ok {
		return u, true
	}
	// "@bob." at the end of a sentence
	trimmed := strings.TrimRight(token, ".-")
	if trimmed != "" && trimmed != token {
		return matchExact(trimmed, users)
	}
	return domain.DirectoryUser{}, false
}

func matchExact(token string, users []domain.DirectoryUser) (domain.DirectoryUser, bool) {
	for _, u := range users {
		if u.ID == "" {
			continue
		}
		if fieldEquals(u.DisplayName, token) ||
			fieldEquals(u.FirstName, token) ||
			fieldEquals(u.LastName, token) ||
			fieldEquals(u.Email, token) ||
			fieldEquals(emailLocalPart(u.Email), token) {
			return u, true
		}
	}
	return domain.DirectoryUser{}, false
}

func fieldEquals(field, token string) bool {
	field = strings.TrimSpace(field)
	return field != "" && strings.EqualFold(field, token)
}

func emailLocalPart(email string) string {
	local, _, ok := strings.Cut(email, "@")
	if !ok {
		return ""
	}
	return local
}
