package app

import (
	"errors"
	"fmt"
	"net/http"

	"tripmate/api/internal/blob"
	"tripmate/api/internal/chat"
	"tripmate/api/internal/export"
	"tripmate/api/internal/session"
	"tripmate/api/internal/store"
)

type DomainError struct {
	Status  int
	Code    string
	Message string
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string) *DomainError {
	return &DomainError{Status: status, Code: code, Message: message}
}

// mapError translates service errors into HTTP status, code and message.
func mapError(err error) (status int, code, message string) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message
	}

	var uploadErr *blob.UploadError
	if errors.As(err, &uploadErr) {
		return http.StatusBadGateway, "UPLOAD_FAILED", "Attachment upload failed"
	}

	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND", "Not found"
	case errors.Is(err, session.ErrNoSession):
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized"
	case errors.Is(err, chat.ErrNotSignedIn):
		return http.StatusUnauthorized, "NOT_SIGNED_IN", chat.ErrNotSignedIn.Error()
	case errors.Is(err, chat.ErrEmptyMessage):
		return http.StatusUnprocessableEntity, "EMPTY_MESSAGE", chat.ErrEmptyMessage.Error()
	case errors.Is(err, chat.ErrAttachmentTooLarge):
		return http.StatusRequestEntityTooLarge, "ATTACHMENT_TOO_LARGE", chat.ErrAttachmentTooLarge.Error()
	case errors.Is(err, chat.ErrSelectionTooLarge):
		return http.StatusRequestEntityTooLarge, "ATTACHMENT_TOO_LARGE", chat.ErrSelectionTooLarge.Error()
	case errors.Is(err, export.ErrUnknownFormat):
		return http.StatusBadRequest, "INVALID_FORMAT", "Export format not supported"
	case errors.Is(err, export.ErrPDFDependencyMissing):
		return http.StatusServiceUnavailable, "PDF_UNAVAILABLE", "PDF export is not available on this deployment"
	case errors.Is(err, store.ErrQueryUnsupported):
		return http.StatusServiceUnavailable, "QUERY_UNSUPPORTED", "Query not supported by this deployment"
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error"
}
