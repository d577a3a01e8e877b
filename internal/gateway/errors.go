package gateway

import (
	"context"
	"errors"

	"github.com/hitoshi/tasksync/internal/docstore"
	"github.com/hitoshi/tasksync/internal/model"
)

// toAppError はストアのエラーをmodel.AppErrorに変換する。
// 既にAppErrorの場合はそのまま返す。
func toAppError(op, collection, id string, err error) *model.AppError {
	if err == nil {
		return nil
	}
	var appErr *model.AppError
	if errors.As(err, &appErr) {
		return appErr
	}

	switch {
	case errors.Is(err, docstore.ErrNotFound):
		e := model.NewNotFoundError(collection, id)
		e.Err = err
		return e
	case errors.Is(err, docstore.ErrPermissionDenied):
		return model.NewPermissionDeniedError(collection+"."+op, err)
	case errors.Is(err, docstore.ErrUnavailable),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return model.NewUnavailableError(err)
	default:
		return model.NewUnknownError(err)
	}
}
