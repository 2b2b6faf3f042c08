package bot

import (
	"errors"
	"strconv"
	"strings"
)

const (
	minTopUp = 50
	maxTopUp = 100000
)

var errBadAmount = errors.New("некорректная сумма")

// parseAmount разбирает сумму пополнения в рублях: "300", "300₽", "300 руб"
func parseAmount(s string) (int64, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, "руб")
	s = strings.TrimSuffix(s, "₽")
	s = strings.TrimSpace(s)
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil || v < minTopUp || v > maxTopUp {
		return 0, errBadAmount
	}
	return v, nil
}
