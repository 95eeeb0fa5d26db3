package mysql

import (
	"context"
	"errors"
	"fmt"

	gomysql "github.com/go-sql-driver/mysql"

	"github.com/JoeShih716/go-economy-ledger/internal/app/core/domain"
)

// MySQL 錯誤碼
// 參考: https://dev.mysql.com/doc/mysql-errors/8.0/en/server-error-reference.html
const (
	errDupEntry        = 1062 // ER_DUP_ENTRY: 同時建立同一個帳戶或同一個 ref_id
	errLockWaitTimeout = 1205 // ER_LOCK_WAIT_TIMEOUT
	errLockDeadlock    = 1213 // ER_LOCK_DEADLOCK
)

// classify 把驅動錯誤轉成帳本的錯誤分類
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if errors.Is(err, domain.ErrConcurrencyConflict) || errors.Is(err, domain.ErrStorageUnavailable) {
		return err
	}
	var myErr *gomysql.MySQLError
	if errors.As(err, &myErr) {
		switch myErr.Number {
		case errDupEntry, errLockWaitTimeout, errLockDeadlock:
			return fmt.Errorf("%w: mysql %d: %s", domain.ErrConcurrencyConflict, myErr.Number, myErr.Message)
		}
	}
	return fmt.Errorf("%w: %v", domain.ErrStorageUnavailable, err)
}
