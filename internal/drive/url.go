package drive

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/vonshlovens/driveseer/internal/domain"
)

var folderIDRegex = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ParseFolderURL extracts the drive folder id from a shared folder URL.
// Accepted shapes:
//
//	https://drive.google.com/drive/folders/{ID}
//	https://drive.google.com/drive/u/{N}/folders/{ID}
//	https://drive.google.com/{any path}?id={ID}  (canonically /open)
//
// Any other host, or a path with neither shape nor an id parameter, is
// rejected with domain.ErrInvalidURL.
func ParseFolderURL(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrInvalidURL, err)
	}

	if u.Host != "drive.google.com" {
		return "", fmt.Errorf("%w: unrecognized host %q", domain.ErrInvalidURL, u.Host)
	}

	segments := strings.Split(strings.Trim(u.Path, "/"), "/")

	// /drive/folders/{ID}
	if len(segments) == 3 && segments[0] == "drive" && segments[1] == "folders" {
		return validateFolderID(segments[2])
	}

	// /drive/u/{N}/folders/{ID}
	if len(segments) == 5 && segments[0] == "drive" && segments[1] == "u" && segments[3] == "folders" {
		return validateFolderID(segments[4])
	}

	// ?id={ID}, canonically /open?id={ID} but legacy folderview links use
	// the same parameter
	if id := u.Query().Get("id"); id != "" {
		return validateFolderID(id)
	}

	return "", fmt.Errorf("%w: unrecognized path %q", domain.ErrInvalidURL, u.Path)
}

func validateFolderID(id string) (string, error) {
	if id == "" || !folderIDRegex.MatchString(id) {
		return "", fmt.Errorf("%w: malformed folder id", domain.ErrInvalidURL)
	}
	return id, nil
}
