package httpapi

import (
	"errors"
	"net/http"

	"github.com/orion-trading/tec/internal/app/controlplane"
	domainorder "github.com/orion-trading/tec/internal/app/domain/order"
	domainrfq "github.com/orion-trading/tec/internal/app/domain/rfq"
	"github.com/orion-trading/tec/internal/app/storage"
)

// mapDomainError translates a domain/storage/control-plane error into the
// closed ErrorCode set, so every command handler renders a consistent
// envelope regardless of which layer produced the failure.
func mapDomainError(err error) *ServiceError {
	if err == nil {
		return nil
	}
	if svcErr, ok := err.(*ServiceError); ok {
		return svcErr
	}

	var rfqErr *domainrfq.Error
	if errors.As(err, &rfqErr) {
		return NewServiceError(rfqKindToCode(rfqErr.Kind), rfqErr.Message)
	}
	var orderErr *domainorder.Error
	if errors.As(err, &orderErr) {
		return NewServiceError(orderKindToCode(orderErr.Kind), orderErr.Message)
	}
	var rejectErr *controlplane.RejectError
	if errors.As(err, &rejectErr) {
		return NewServiceError(rejectKindToCode(rejectErr.Kind), rejectErr.Reason)
	}
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return NewServiceError(ErrNotFound, "resource not found")
	case errors.Is(err, storage.ErrVersionConflict):
		return NewServiceError(ErrConflict, "concurrent modification, retry with the latest version")
	}
	return NewServiceError(ErrInternal, err.Error())
}

func rfqKindToCode(kind domainrfq.ErrorKind) ErrorCode {
	switch kind {
	case domainrfq.ErrValidation:
		return ErrValidationFailed
	case domainrfq.ErrNotFound:
		return ErrNotFound
	case domainrfq.ErrConflict:
		return ErrConflict
	case domainrfq.ErrStateInvalid:
		return ErrStateInvalid
	case domainrfq.ErrExpired:
		return ErrExpired
	default:
		return ErrInternal
	}
}

func orderKindToCode(kind domainorder.ErrorKind) ErrorCode {
	switch kind {
	case domainorder.ErrValidation:
		return ErrValidationFailed
	case domainorder.ErrStateInvalid:
		return ErrStateInvalid
	default:
		return ErrInternal
	}
}

func rejectKindToCode(kind controlplane.RejectKind) ErrorCode {
	switch kind {
	case controlplane.RejectKillSwitch:
		return ErrKillSwitchActive
	case controlplane.RejectForbidden:
		return ErrForbidden
	case controlplane.RejectRateLimited:
		return ErrRateLimited
	case controlplane.RejectNotional:
		return ErrValidationFailed
	default:
		return ErrInternal
	}
}

func writeMappedError(w http.ResponseWriter, err error) {
	writeServiceError(w, mapDomainError(err))
}
