package commands

import (
	"fmt"
	"strings"

	"github.com/sahilm/fuzzy"

	"github.com/shopdesk/deskchat/internal/chat"
)

// resolveContact maps a contact argument to an id:
//  1. A numeric id (optionally "#42") is taken as is, known or not
//  2. Exact name match (case-insensitive)
//  3. Unique name prefix
//  4. Best fuzzy match, when it beats the runner-up
func resolveContact(threads []chat.Thread, input string, operator chat.UserID) (chat.UserID, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return 0, fmt.Errorf("contact is empty")
	}

	if id, err := chat.ParseUserID(input); err == nil {
		if id == operator {
			return 0, fmt.Errorf("cannot chat with yourself")
		}
		return id, nil
	}

	lower := strings.ToLower(input)
	var exact, prefix []chat.Thread
	for _, t := range threads {
		name := strings.ToLower(t.ContactName)
		switch {
		case name == lower:
			exact = append(exact, t)
		case strings.HasPrefix(name, lower):
			prefix = append(prefix, t)
		}
	}
	if len(exact) == 1 {
		return exact[0].ContactID, nil
	}
	if len(exact) > 1 {
		return 0, ambiguousContact(input, exact)
	}
	if len(prefix) == 1 {
		return prefix[0].ContactID, nil
	}
	if len(prefix) > 1 {
		return 0, ambiguousContact(input, prefix)
	}

	names := make([]string, len(threads))
	for i, t := range threads {
		names[i] = t.ContactName
	}
	matches := fuzzy.Find(input, names)
	if len(matches) == 0 {
		return 0, fmt.Errorf("no conversation matches %q", input)
	}
	if len(matches) > 1 && matches[0].Score == matches[1].Score {
		tied := []chat.Thread{threads[matches[0].Index]}
		for _, m := range matches[1:] {
			if m.Score != matches[0].Score {
				break
			}
			tied = append(tied, threads[m.Index])
		}
		return 0, ambiguousContact(input, tied)
	}
	return threads[matches[0].Index].ContactID, nil
}

func ambiguousContact(input string, candidates []chat.Thread) error {
	parts := make([]string, 0, len(candidates))
	for _, t := range candidates {
		parts = append(parts, fmt.Sprintf("%s (#%d)", t.ContactName, t.ContactID))
	}
	return fmt.Errorf("%q matches several conversations: %s (use the contact id)", input, strings.Join(parts, ", "))
}
