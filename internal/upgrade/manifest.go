package upgrade

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/kokistudios/patchlift/internal/version"
)

var manifestTag = regexp.MustCompile(`"tag"\s*:\s*"([^"]*)"`)

// SetManifestVersion rewrites config.projects.chrome.tag in place, leaving
// the rest of the file byte for byte as it was.
func SetManifestVersion(content string, v version.Version) (string, error) {
	projects := strings.Index(content, `"projects"`)
	if projects < 0 {
		return "", fmt.Errorf("%w: no projects section", ErrManifestTag)
	}
	chrome := strings.Index(content[projects:], `"chrome"`)
	if chrome < 0 {
		return "", fmt.Errorf("%w: no chrome project", ErrManifestTag)
	}
	offset := projects + chrome
	loc := manifestTag.FindStringSubmatchIndex(content[offset:])
	if loc == nil {
		return "", fmt.Errorf("%w: no tag in chrome project", ErrManifestTag)
	}
	start, end := offset+loc[2], offset+loc[3]
	updated := content[:start] + v.String() + content[end:]

	got, err := version.ParseManifest([]byte(updated))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrManifestTag, err)
	}
	if !got.Equal(v) {
		return "", fmt.Errorf("%w: edited the wrong tag (manifest now reads %s)", ErrManifestTag, got)
	}
	return updated, nil
}

var pinslistBlock = regexp.MustCompile(`# Last updated:[^\n]*\nPinsListTimestamp\n[0-9]{10}\n`)

// PinslistTimeFormat is how the pinslist header renders its timestamp.
const PinslistTimeFormat = "Mon Jan 02 15:04:05 2006"

// UpdatePinslistTimestamp stamps the pinslist block with now. Stamping
// twice within a second leaves the content as it was.
func UpdatePinslistTimestamp(content string, now time.Time) (string, error) {
	if !pinslistBlock.MatchString(content) {
		return "", fmt.Errorf("%w: PinsListTimestamp block not found", ErrPinslist)
	}
	block := "# Last updated: " + now.Format(PinslistTimeFormat) + "\nPinsListTimestamp\n" + strconv.FormatInt(now.Unix(), 10) + "\n"
	return pinslistBlock.ReplaceAllLiteralString(content, block), nil
}
