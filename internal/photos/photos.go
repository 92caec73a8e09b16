package photos

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"intake/internal/models"

	"github.com/cloudinary/cloudinary-go/v2"
	"github.com/cloudinary/cloudinary-go/v2/api/uploader"
)

// Input is one photo as posted by the estimator page.
type Input struct {
	Name    string `json:"name,omitempty"`
	Type    string `json:"type,omitempty"`
	DataURL string `json:"dataUrl"`
}

var (
	dataURLPattern  = regexp.MustCompile(`^data:([^;]+);base64,(.+)$`)
	unsafeFileChars = regexp.MustCompile(`[^a-zA-Z0-9._-]`)
)

// ErrNoPhotos is returned when none of the inputs carry a usable data URL.
var ErrNoPhotos = errors.New("no valid photos provided")

// Uploader is the Cloudinary upload call.
type Uploader interface {
	Upload(ctx context.Context, file interface{}, params uploader.UploadParams) (*uploader.UploadResult, error)
}

// Store uploads site photos under <folder>/<bookingID>/.
type Store struct {
	uploader Uploader
	folder   string
	max      int
}

func NewStore(u Uploader, folder string, max int) *Store {
	if max <= 0 {
		max = 4
	}
	return &Store{uploader: u, folder: strings.Trim(folder, "/"), max: max}
}

// NewCloudinaryStore builds a Store backed by the Cloudinary upload API.
func NewCloudinaryStore(cloudName, apiKey, apiSecret, folder string, max int) (*Store, error) {
	cld, err := cloudinary.NewFromParams(cloudName, apiKey, apiSecret)
	if err != nil {
		return nil, fmt.Errorf("init cloudinary: %w", err)
	}
	return NewStore(&cld.Upload, folder, max), nil
}

// Usable returns at most max inputs that hold a well formed data URL.
func (s *Store) Usable(inputs []Input) []Input {
	out := make([]Input, 0, s.max)
	for _, in := range inputs {
		if len(out) == s.max {
			break
		}
		if _, ok := ContentType(in.DataURL); ok {
			out = append(out, in)
		}
	}
	return out
}

// Save uploads every usable input and returns references in input order.
func (s *Store) Save(ctx context.Context, bookingID string, inputs []Input) ([]models.PhotoRef, error) {
	usable := s.Usable(inputs)
	if len(usable) == 0 {
		return nil, ErrNoPhotos
	}

	folder := bookingID
	if s.folder != "" {
		folder = s.folder + "/" + bookingID
	}

	refs := make([]models.PhotoRef, 0, len(usable))
	for i, in := range usable {
		fallback := fmt.Sprintf("photo-%d", i+1)
		name := SanitizeFilename(in.Name, fallback)
		contentType := in.Type
		if contentType == "" {
			contentType, _ = ContentType(in.DataURL)
		}

		res, err := s.uploader.Upload(ctx, in.DataURL, uploader.UploadParams{
			Folder:   folder,
			PublicID: strings.TrimSuffix(name, extension(name)),
		})
		if err != nil {
			return refs, fmt.Errorf("upload %s: %w", name, err)
		}
		if res.Error.Message != "" {
			return refs, fmt.Errorf("upload %s: %s", name, res.Error.Message)
		}

		refs = append(refs, models.PhotoRef{
			URL:      res.SecureURL,
			Name:     name,
			Type:     contentType,
			PublicID: res.PublicID,
		})
	}
	return refs, nil
}

// ContentType extracts the media type of a base64 data URL.
func ContentType(dataURL string) (string, bool) {
	m := dataURLPattern.FindStringSubmatch(dataURL)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// SanitizeFilename keeps [a-zA-Z0-9._-], caps the length at 80 and falls
// back when nothing is left.
func SanitizeFilename(name, fallback string) string {
	cleaned := unsafeFileChars.ReplaceAllString(name, "_")
	if len(cleaned) > 80 {
		cleaned = cleaned[:80]
	}
	if cleaned == "" {
		return fallback
	}
	return cleaned
}

func extension(name string) string {
	if i := strings.LastIndex(name, "."); i > 0 {
		return name[i:]
	}
	return ""
}
