package gitx

import (
	"regexp"
	"strconv"
	"strings"
)

// MaxBranchLen caps generated branch names.
const MaxBranchLen = 24

var nonSlugChars = regexp.MustCompile(`[^a-z0-9-]+`)

// Slugify turns free text into a branch slug: lowercase, hyphen-separated,
// stripped of anything else.
func Slugify(text string, maxLen int) string {
	slug := strings.ToLower(strings.TrimSpace(text))
	slug = strings.ReplaceAll(slug, " ", "-")
	slug = nonSlugChars.ReplaceAllString(slug, "")
	slug = strings.Trim(regexp.MustCompile(`-+`).ReplaceAllString(slug, "-"), "-")
	if maxLen > 0 && len(slug) > maxLen {
		slug = strings.TrimRight(slug[:maxLen], "-")
	}
	if slug == "" {
		return "work"
	}
	return slug
}

// BranchName joins a ticket prefix and slug within the length cap.
func BranchName(ticketID, slug string) string {
	prefix := strings.ToLower(ticketID)
	maxSlug := MaxBranchLen - len(prefix) - 1
	if maxSlug <= 0 || slug == "" {
		return prefix
	}
	if len(slug) > maxSlug {
		slug = strings.TrimRight(slug[:maxSlug], "-")
	}
	return prefix + "-" + slug
}

// NextSuffix picks the branch name to use when existing branches already
// carry the base name: base, then base-2, base-3, and so on.
func NextSuffix(base string, existing []string) string {
	taken := false
	maxSuffix := 1
	for _, b := range existing {
		if b == base {
			taken = true
			continue
		}
		rest, ok := strings.CutPrefix(b, base+"-")
		if !ok {
			continue
		}
		if n, err := strconv.Atoi(rest); err == nil {
			taken = true
			if n > maxSuffix {
				maxSuffix = n
			}
		}
	}
	if !taken {
		return base
	}
	return base + "-" + strconv.Itoa(maxSuffix+1)
}

// TicketBranch reports whether branch belongs to the ticket, meaning it is
// the lowercased ticket ID or starts with it plus a hyphen.
func TicketBranch(branch, ticketID string) bool {
	prefix := strings.ToLower(ticketID)
	return branch == prefix || strings.HasPrefix(branch, prefix+"-")
}
