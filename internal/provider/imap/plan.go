package imap

import (
	"fmt"
	"strings"
	"time"

	"github.com/emersion/go-imap/v2"

	"github.com/nhle/mailsync/internal/provider"
)

var queryDateLayouts = []string{"2006/01/02", "2006-01-02", "2006/1/2"}

// ParseQuery translates the Gmail-style search subset mailsync accepts
// into IMAP search criteria. Supported terms: after:DATE, before:DATE,
// from:X, to:X, subject:X, is:read, is:unread, is:starred, and bare words
// matched against the whole message.
func ParseQuery(query string) (*imap.SearchCriteria, error) {
	criteria := &imap.SearchCriteria{}

	for _, term := range strings.Fields(query) {
		key, value, hasKey := strings.Cut(term, ":")
		if !hasKey {
			criteria.Text = append(criteria.Text, term)
			continue
		}
		if value == "" {
			return nil, fmt.Errorf("empty value in query term %q", term)
		}

		switch strings.ToLower(key) {
		case "after", "since":
			t, err := parseQueryDate(value)
			if err != nil {
				return nil, err
			}
			criteria.Since = t
		case "before":
			t, err := parseQueryDate(value)
			if err != nil {
				return nil, err
			}
			criteria.Before = t
		case "from", "to", "subject":
			criteria.Header = append(criteria.Header, imap.SearchCriteriaHeaderField{
				Key:   headerKey(key),
				Value: value,
			})
		case "is":
			switch strings.ToLower(value) {
			case "unread":
				criteria.NotFlag = append(criteria.NotFlag, imap.FlagSeen)
			case "read":
				criteria.Flag = append(criteria.Flag, imap.FlagSeen)
			case "starred":
				criteria.Flag = append(criteria.Flag, imap.FlagFlagged)
			default:
				return nil, fmt.Errorf("unsupported query term %q", term)
			}
		default:
			return nil, fmt.Errorf("unsupported query term %q", term)
		}
	}

	return criteria, nil
}

func parseQueryDate(s string) (time.Time, error) {
	for _, layout := range queryDateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid date %q in query", s)
}

func headerKey(key string) string {
	switch strings.ToLower(key) {
	case "from":
		return "From"
	case "to":
		return "To"
	default:
		return "Subject"
	}
}

// modifyPlan is the IMAP rendition of one label modification.
type modifyPlan struct {
	addFlags    []imap.Flag
	removeFlags []imap.Flag
	copyTo      []string
	moveTo      string
}

// planModify maps Gmail-style label changes on a message in mailbox onto
// flag stores, copies and at most one move.
func planModify(mailbox string, add, remove []string) (modifyPlan, error) {
	var (
		plan         modifyPlan
		targets      []string
		leaveMailbox bool
	)
	isCurrent := func(l string) bool { return sameMailbox(l, mailbox) }

	for _, l := range add {
		switch {
		case strings.EqualFold(l, provider.LabelUnread):
			plan.removeFlags = append(plan.removeFlags, imap.FlagSeen)
		case strings.EqualFold(l, provider.LabelStarred):
			plan.addFlags = append(plan.addFlags, imap.FlagFlagged)
		case isCurrent(l):
			// already there
		case provider.IsSystemLabel(l) && !strings.EqualFold(l, provider.LabelInbox):
			return modifyPlan{}, unsupportedLabel(l)
		default:
			targets = append(targets, l)
		}
	}

	for _, l := range remove {
		switch {
		case strings.EqualFold(l, provider.LabelUnread):
			plan.addFlags = append(plan.addFlags, imap.FlagSeen)
		case strings.EqualFold(l, provider.LabelStarred):
			plan.removeFlags = append(plan.removeFlags, imap.FlagFlagged)
		case isCurrent(l):
			leaveMailbox = true
		case provider.IsSystemLabel(l) && !strings.EqualFold(l, provider.LabelInbox):
			return modifyPlan{}, unsupportedLabel(l)
		}
		// Removing a mailbox the message is not in is a no-op.
	}

	if leaveMailbox {
		if len(targets) == 0 {
			return modifyPlan{}, fmt.Errorf("removing %q without a destination mailbox", mailbox)
		}
		plan.moveTo = targets[len(targets)-1]
		targets = targets[:len(targets)-1]
	}
	if len(targets) > 0 {
		plan.copyTo = targets
	}

	return plan, nil
}

func sameMailbox(a, b string) bool {
	if strings.EqualFold(a, provider.LabelInbox) || strings.EqualFold(b, provider.LabelInbox) {
		return strings.EqualFold(a, b)
	}
	return a == b
}

func unsupportedLabel(l string) error {
	return fmt.Errorf("label %q is not supported over IMAP", l)
}
