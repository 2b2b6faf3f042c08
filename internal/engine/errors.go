package engine

import (
	"errors"
	"fmt"

	"vpn-subscription-bot/internal/db"
	"vpn-subscription-bot/internal/panel"
)

var (
	ErrNoServersAvailable  = errors.New("no_servers_available")
	ErrPanelUnreachable    = errors.New("panel_unreachable")
	ErrPanelRejected       = errors.New("panel_rejected")
	ErrNotFound            = errors.New("not_found")
	ErrInvalidExpiry       = errors.New("invalid_expiry")
	ErrFSMBusy             = errors.New("fsm_busy")
	ErrCreateFailed        = errors.New("create_failed")
	ErrRenewFailed         = errors.New("renew_failed")
	ErrMigrateFailed       = errors.New("migrate_failed")
	ErrOperationFailed     = errors.New("operation_failed")
	ErrKeyNotFound         = errors.New("key not found")
	ErrTariffNotFound      = errors.New("tariff not found")
	ErrInsufficientBalance = db.ErrInsufficientBalance
)

// failure собирает итоговую ошибку операции, в которой не ответил ни один узел.
// Внутри лежит класс отказа панелей: недоступность, отказ или отсутствие клиента.
func failure(op error, results []nodeResult) error {
	if len(results) == 0 {
		return fmt.Errorf("%w: %w", op, ErrNoServersAvailable)
	}
	unreachable, notFound := 0, 0
	for _, r := range results {
		switch panel.KindOf(r.Err) {
		case panel.KindUnreachable, panel.KindAuthFailed:
			unreachable++
		case panel.KindNotFound:
			notFound++
		}
	}
	cause := ErrPanelRejected
	switch {
	case unreachable == len(results):
		cause = ErrPanelUnreachable
	case notFound == len(results):
		cause = ErrNotFound
	}
	return fmt.Errorf("%w: %w: %v", op, cause, results[0].Err)
}
