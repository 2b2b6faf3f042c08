package admin

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"vpn-subscription-bot/internal/logger"
)

const backupTimeout = 2 * time.Minute

// BackupDatabase создает дамп БД Postgres в указанный файл
func BackupDatabase(ctx context.Context, filename string, dsn string) error {
	ctx, cancel := context.WithTimeout(ctx, backupTimeout)
	defer cancel()
	out, err := exec.CommandContext(ctx, "pg_dump", dsn, "-Fc", "-f", filename).CombinedOutput()
	if err != nil {
		return fmt.Errorf("pg_dump: %w: %s", err, out)
	}
	return nil
}

// RestoreDatabase восстанавливает БД из дампа
func RestoreDatabase(ctx context.Context, filename string, dsn string) error {
	ctx, cancel := context.WithTimeout(ctx, backupTimeout)
	defer cancel()
	out, err := exec.CommandContext(ctx, "pg_restore", "--clean", "--if-exists", "-d", dsn, filename).CombinedOutput()
	if err != nil {
		return fmt.Errorf("pg_restore: %w: %s", err, out)
	}
	return nil
}

// CleanOldBackups удаляет дампы старше maxAge, возвращает число удалённых
func CleanOldBackups(dir string, maxAge time.Duration, now time.Time) (int, error) {
	files, err := filepath.Glob(filepath.Join(dir, "*backup_*.dump"))
	if err != nil {
		return 0, err
	}
	cutoff := now.Add(-maxAge)
	removed := 0
	for _, f := range files {
		info, err := os.Stat(f)
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(f); err == nil {
				removed++
			}
		}
	}
	return removed, nil
}

func backupName(dir, prefix string, now time.Time) string {
	return filepath.Join(dir, prefix+"_"+now.Format("20060102_150405")+".dump")
}

// AutoBackupDatabase запускает бэкап и чистку, при ошибке уведомляет админа
func AutoBackupDatabase(ctx context.Context, dir, dsn string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	now := time.Now()
	filename := backupName(dir, "autobackup", now)
	if err := BackupDatabase(ctx, filename, dsn); err != nil {
		logger.Error("auto backup failed", zap.Error(err))
		logger.NotifyAdmin("Ошибка резервного копирования: " + err.Error())
		return err
	}
	removed, err := CleanOldBackups(dir, 31*24*time.Hour, now)
	if err != nil {
		logger.Warn("clean old backups", zap.Error(err))
	}
	logger.Info("auto backup created", zap.String("file", filename), zap.Int("removed_old", removed))
	return nil
}
