package gcp

import (
	"strings"

	"google.golang.org/api/option"

	"github.com/yungbote/askpdf-backend/internal/platform/envutil"
)

// ClientOptionsFromEnv builds storage client credentials. Inline JSON in
// GOOGLE_APPLICATION_CREDENTIALS_JSON wins; GOOGLE_APPLICATION_CREDENTIALS may
// hold JSON or a file path. Neither set means application default credentials.
func ClientOptionsFromEnv() []option.ClientOption {
	creds := envutil.String("GOOGLE_APPLICATION_CREDENTIALS_JSON", "")
	if creds == "" {
		creds = envutil.String("GOOGLE_APPLICATION_CREDENTIALS", "")
	}
	return credentialOptions(creds)
}

func credentialOptions(creds string) []option.ClientOption {
	switch {
	case creds == "":
		return nil
	case strings.HasPrefix(creds, "{"):
		return []option.ClientOption{option.WithCredentialsJSON([]byte(creds))}
	default:
		return []option.ClientOption{option.WithCredentialsFile(creds)}
	}
}
