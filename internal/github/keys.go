package github

import (
	"fmt"
	"strings"
)

// ParsePRURL extracts owner, repo, and PR number from a GitHub pull
// request URL, letting an HTTP caller submit a familiar PR link
// instead of the "owner/repo#number" key providers/github expects.
func ParsePRURL(url string) (owner, repo string, prNumber int, err error) {
	url = strings.TrimSuffix(url, "/")
	parts := strings.Split(url, "/")
	if len(parts) < 5 {
		return "", "", 0, fmt.Errorf("invalid PR URL: %s", url)
	}

	var num int
	_, err = fmt.Sscanf(parts[len(parts)-1], "%d", &num)
	if err != nil {
		return "", "", 0, fmt.Errorf("invalid PR number in URL: %s", url)
	}

	return parts[len(parts)-4], parts[len(parts)-3], num, nil
}
