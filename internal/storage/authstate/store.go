package authstate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/authkeeper/internal/common"
	"github.com/ternarybob/authkeeper/internal/models"
)

const (
	cookieFileName  = "cookies.json"
	storageFileName = "storage_state.json"
	backupDirName   = "backups"
)

// artifactFiles are the files that make up one AuthState, in write order
var artifactFiles = []string{cookieFileName, storageFileName}

// Store is the file-backed AuthState store:
//
//	<auth_dir>/<service>/[<account>/]cookies.json
//	<auth_dir>/<service>/[<account>/]storage_state.json
//	<auth_dir>/<service>/[<account>/]backups/<stamp>/...
type Store struct {
	baseDir   string
	retention time.Duration
	config    *common.Config
	locks     *common.KeyedLocker
	logger    arbor.ILogger
	now       func() time.Time
}

// NewStore creates the store rooted at config.Storage.AuthDir
func NewStore(config *common.Config, logger arbor.ILogger) (*Store, error) {
	baseDir := config.Storage.AuthDir
	if err := os.MkdirAll(baseDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create auth directory %s: %w", baseDir, err)
	}

	logger.Debug().
		Str("auth_dir", baseDir).
		Int("backup_retention_days", config.Storage.BackupRetentionDays).
		Msg("AuthState store initialized")

	return &Store{
		baseDir:   baseDir,
		retention: time.Duration(config.Storage.BackupRetentionDays) * 24 * time.Hour,
		config:    config,
		locks:     common.NewKeyedLocker(),
		logger:    logger,
		now:       time.Now,
	}, nil
}

// Load reads the artifact for (service, account). The storage-state blob is preferred
// over the cookie file when it parses and carries cookies.
func (s *Store) Load(ctx context.Context, service, account string) (*models.AuthState, error) {
	dir, err := s.artifactDir(service, account)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	unlock := s.locks.RLock(models.StateKey(service, account))
	defer unlock()

	return s.loadLocked(dir, service, account)
}

func (s *Store) loadLocked(dir, service, account string) (*models.AuthState, error) {
	cookiePath := filepath.Join(dir, cookieFileName)
	storagePath := filepath.Join(dir, storageFileName)

	cookieInfo, cookieErr := os.Stat(cookiePath)
	storageInfo, storageErr := os.Stat(storagePath)
	if os.IsNotExist(cookieErr) && os.IsNotExist(storageErr) {
		return nil, models.ErrNotFound
	}

	state := &models.AuthState{
		Service: service,
		Account: account,
		Found:   true,
	}

	if cookieErr == nil {
		state.CookieFileModTime = cookieInfo.ModTime().UTC()
	}
	if storageErr == nil {
		state.StorageFileModTime = storageInfo.ModTime().UTC()
	}
	state.LastRefresh = state.CookieFileModTime
	if state.StorageFileModTime.After(state.LastRefresh) {
		state.LastRefresh = state.StorageFileModTime
	}

	usable := false

	if storageErr == nil {
		raw, err := os.ReadFile(storagePath)
		if err == nil {
			var parsed *models.StorageState
			parsed, err = models.ParseStorageState(raw)
			if err == nil {
				state.StorageState = raw
				usable = true
				if valid := validCookies(parsed.Cookies); len(valid) > 0 {
					state.Cookies = valid
					state.Source = models.SourceStorageState
				}
			}
		}
		if err != nil {
			s.logger.Warn().
				Err(err).
				Str("service", service).
				Str("account", account).
				Msg("Storage state unreadable, falling back to cookie file")
		}
	}

	if state.Source == "" && cookieErr == nil {
		cookies, err := readCookieFile(cookiePath)
		if err != nil {
			s.logger.Warn().
				Err(err).
				Str("service", service).
				Str("account", account).
				Msg("Cookie file unreadable")
		} else {
			usable = true
			state.Cookies = cookies
			state.Source = models.SourceCookieFile
		}
	}

	if !usable {
		state.Corrupt = true
		state.Cookies = nil
	}

	return state, nil
}

// readCookieFile decodes a cookie array element by element so one bad entry does not
// discard the rest
func readCookieFile(path string) ([]models.Cookie, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrCorruptArtifact, err)
	}

	cookies := make([]models.Cookie, 0, len(raw))
	for _, item := range raw {
		var c models.Cookie
		if err := json.Unmarshal(item, &c); err != nil {
			continue
		}
		if c.Validate() != nil {
			continue
		}
		cookies = append(cookies, c)
	}
	return cookies, nil
}

func validCookies(cookies []models.Cookie) []models.Cookie {
	out := make([]models.Cookie, 0, len(cookies))
	for _, c := range cookies {
		if c.Validate() == nil {
			out = append(out, c)
		}
	}
	return out
}

// Save backs up the current artifact and atomically writes the new one. A nil storageState
// makes the artifact cookie-only and removes a previous storage-state file.
func (s *Store) Save(ctx context.Context, service, account string, cookies []models.Cookie, storageState []byte) (*models.BackupHandle, error) {
	dir, err := s.artifactDir(service, account)
	if err != nil {
		return nil, err
	}

	for _, c := range cookies {
		if err := c.Validate(); err != nil {
			return nil, models.NewRefreshError(models.KindValidation, "", err)
		}
	}
	if cookies == nil {
		cookies = []models.Cookie{}
	}
	cookieData, err := json.MarshalIndent(cookies, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal cookies: %w", err)
	}

	var storageData []byte
	if storageState != nil {
		storageData, err = models.NormalizeStorageState(storageState)
		if err != nil {
			return nil, models.NewRefreshError(models.KindValidation, "", err)
		}
	}

	unlock := s.locks.Lock(models.StateKey(service, account))
	defer unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	handle, err := s.backupLocked(dir, service, account)
	if err != nil {
		return nil, storageError(fmt.Errorf("failed to back up before save: %w", err))
	}

	// Nothing has been written yet, so cancellation still leaves the store untouched
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, storageError(fmt.Errorf("failed to create %s: %w", dir, err))
	}

	writeErr := atomicWrite(filepath.Join(dir, cookieFileName), cookieData)
	if writeErr == nil {
		storagePath := filepath.Join(dir, storageFileName)
		if storageData != nil {
			writeErr = atomicWrite(storagePath, storageData)
		} else if err := os.Remove(storagePath); err != nil && !os.IsNotExist(err) {
			writeErr = err
		}
	}

	if writeErr != nil {
		if rerr := s.restoreLocked(dir, handle); rerr != nil {
			s.logger.Error().Err(rerr).Str("service", service).Str("account", account).Msg("Failed to restore after write error")
		}
		return nil, storageError(fmt.Errorf("failed to write auth state: %w", writeErr))
	}

	s.logger.Info().
		Str("service", service).
		Str("account", account).
		Int("cookies", len(cookies)).
		Bool("storage_state", storageData != nil).
		Str("backup", handle.ID).
		Msg("Auth state saved")

	return handle, nil
}

// Backup copies the current artifact into a timestamped backup directory and prunes
// backups older than the retention window
func (s *Store) Backup(ctx context.Context, service, account string) (*models.BackupHandle, error) {
	dir, err := s.artifactDir(service, account)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	unlock := s.locks.Lock(models.StateKey(service, account))
	defer unlock()

	handle, err := s.backupLocked(dir, service, account)
	if err != nil {
		return nil, storageError(err)
	}
	return handle, nil
}

func (s *Store) backupLocked(dir, service, account string) (*models.BackupHandle, error) {
	now := s.now().UTC()

	var present []string
	for _, name := range artifactFiles {
		if _, err := os.Stat(filepath.Join(dir, name)); err == nil {
			present = append(present, name)
		}
	}
	if len(present) == 0 {
		return &models.BackupHandle{Service: service, Account: account, Empty: true, CreatedAt: now}, nil
	}

	backupsDir := filepath.Join(dir, backupDirName)
	id := now.Format(stampFormat)
	for i := 1; ; i++ {
		if _, err := os.Stat(filepath.Join(backupsDir, id)); os.IsNotExist(err) {
			break
		}
		id = fmt.Sprintf("%s-%d", now.Format(stampFormat), i)
	}
	target := filepath.Join(backupsDir, id)

	if err := os.MkdirAll(target, 0700); err != nil {
		return nil, fmt.Errorf("failed to create backup directory: %w", err)
	}
	for _, name := range present {
		if err := copyPreservingModTime(filepath.Join(dir, name), filepath.Join(target, name)); err != nil {
			_ = os.RemoveAll(target)
			return nil, fmt.Errorf("failed to back up %s: %w", name, err)
		}
	}

	handle := &models.BackupHandle{Service: service, Account: account, ID: id, Dir: target, CreatedAt: now}

	if removed, err := s.prune(backupsDir, now); err != nil {
		s.logger.Warn().Err(err).Str("service", service).Msg("Backup pruning failed")
	} else if removed > 0 {
		s.logger.Debug().Str("service", service).Str("account", account).Int("removed", removed).Msg("Pruned old backups")
	}

	return handle, nil
}

// Restore overwrites the current artifact with the backup, byte for byte and with the
// original modification times. Files absent from the backup are removed.
func (s *Store) Restore(ctx context.Context, handle *models.BackupHandle) error {
	if handle == nil {
		return models.ErrBackupNotFound
	}
	dir, err := s.artifactDir(handle.Service, handle.Account)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	unlock := s.locks.Lock(handle.Key())
	defer unlock()

	if err := s.restoreLocked(dir, handle); err != nil {
		return err
	}

	s.logger.Info().
		Str("service", handle.Service).
		Str("account", handle.Account).
		Str("backup", handle.ID).
		Bool("empty", handle.Empty).
		Msg("Auth state restored from backup")
	return nil
}

func (s *Store) restoreLocked(dir string, handle *models.BackupHandle) error {
	if handle.Empty {
		for _, name := range artifactFiles {
			if err := os.Remove(filepath.Join(dir, name)); err != nil && !os.IsNotExist(err) {
				return storageError(fmt.Errorf("failed to remove %s: %w", name, err))
			}
		}
		return nil
	}

	if !validBackupID(handle.ID) {
		return fmt.Errorf("%w: invalid id %q", models.ErrBackupNotFound, handle.ID)
	}
	source := filepath.Join(dir, backupDirName, handle.ID)
	if info, err := os.Stat(source); err != nil || !info.IsDir() {
		return fmt.Errorf("%w: %s", models.ErrBackupNotFound, handle.ID)
	}

	for _, name := range artifactFiles {
		from := filepath.Join(source, name)
		to := filepath.Join(dir, name)
		if _, err := os.Stat(from); os.IsNotExist(err) {
			if err := os.Remove(to); err != nil && !os.IsNotExist(err) {
				return storageError(fmt.Errorf("failed to remove %s: %w", name, err))
			}
			continue
		}
		if err := copyPreservingModTime(from, to); err != nil {
			return storageError(fmt.Errorf("failed to restore %s: %w", name, err))
		}
	}
	return nil
}

// Backups lists the backups for (service, account), newest first
func (s *Store) Backups(service, account string) ([]*models.BackupHandle, error) {
	dir, err := s.artifactDir(service, account)
	if err != nil {
		return nil, err
	}

	unlock := s.locks.RLock(models.StateKey(service, account))
	defer unlock()

	entries, err := listBackups(filepath.Join(dir, backupDirName))
	if err != nil {
		return nil, storageError(err)
	}

	handles := make([]*models.BackupHandle, 0, len(entries))
	for _, e := range entries {
		handles = append(handles, &models.BackupHandle{
			Service:   service,
			Account:   account,
			ID:        e.id,
			Dir:       filepath.Join(dir, backupDirName, e.id),
			CreatedAt: e.createdAt,
		})
	}
	return handles, nil
}

// ExpirationInfo loads the artifact and derives freshness with the service's policy.
// Missing artifacts yield status MISSING and unreadable ones EXPIRED; neither is an error.
func (s *Store) ExpirationInfo(ctx context.Context, service, account string) (*models.AuthState, error) {
	state, err := s.Load(ctx, service, account)
	switch {
	case errors.Is(err, models.ErrNotFound):
		state = &models.AuthState{Service: service, Account: account}
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return nil, err
	case err != nil:
		if _, pathErr := s.artifactDir(service, account); pathErr != nil {
			return nil, pathErr
		}
		s.logger.Warn().Err(err).Str("service", service).Str("account", account).Msg("Treating unreadable auth state as expired")
		state = &models.AuthState{Service: service, Account: account, Found: true, Corrupt: true}
	}

	policy := models.ExpirationPolicy{Kind: models.PolicyCookie}
	if svc, ok := s.config.Service(service); ok {
		policy = svc.Policy()
	}
	state.Derive(policy, s.config.Thresholds(), s.now())
	return state, nil
}

// ListAll derives freshness for every configured service and account
func (s *Store) ListAll(ctx context.Context) ([]*models.AuthState, error) {
	var states []*models.AuthState
	for _, id := range s.config.ServiceIDs() {
		svc, _ := s.config.Service(id)
		for _, account := range svc.AllAccounts() {
			if err := ctx.Err(); err != nil {
				return states, err
			}
			state, err := s.ExpirationInfo(ctx, id, account)
			if err != nil {
				return states, err
			}
			states = append(states, state)
		}
	}
	return states, nil
}

// artifactDir maps (service, account) to its directory, rejecting names that would
// escape the auth directory or collide with the backup directory
func (s *Store) artifactDir(service, account string) (string, error) {
	if err := validName(service); err != nil {
		return "", models.ConfigurationError("invalid service name %q: %v", service, err)
	}
	if account == "" {
		return filepath.Join(s.baseDir, service), nil
	}
	if err := validName(account); err != nil {
		return "", models.ConfigurationError("invalid account name %q: %v", account, err)
	}
	return filepath.Join(s.baseDir, service, account), nil
}

func validName(name string) error {
	switch {
	case name == "":
		return fmt.Errorf("empty")
	case name == "." || name == "..":
		return fmt.Errorf("reserved")
	case name == backupDirName:
		return fmt.Errorf("reserved")
	case strings.ContainsAny(name, `/\`):
		return fmt.Errorf("contains a path separator")
	}
	return nil
}

func storageError(err error) error {
	return models.NewRefreshError(models.KindStorage, "", err)
}
