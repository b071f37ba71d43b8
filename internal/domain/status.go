package domain

// Status is the processing state shared by folders and images.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// SupportedMIMETypes is the admitted image MIME set. Files outside this set
// are skipped at listing time and rejected at processing time.
var SupportedMIMETypes = map[string]bool{
	"image/jpeg":    true,
	"image/png":     true,
	"image/gif":     true,
	"image/webp":    true,
	"image/bmp":     true,
	"image/svg+xml": true,
}

// DriveFolderMIME identifies subfolders during recursive listing.
const DriveFolderMIME = "application/vnd.google-apps.folder"

// IsSupportedMIME reports whether the given MIME type is admitted.
func IsSupportedMIME(mime string) bool {
	return SupportedMIMETypes[mime]
}
