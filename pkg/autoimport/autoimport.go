package autoimport

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/classmind/kbengine/pkg/errdefs"
	"github.com/classmind/kbengine/pkg/events"
	"github.com/classmind/kbengine/pkg/ingest"
	"github.com/classmind/kbengine/pkg/log"
	"github.com/classmind/kbengine/pkg/types"
)

const (
	lockKey      = "library:auto_import:lock"
	lockTTL      = 5 * time.Minute
	takeoverPoll = time.Minute
)

// The lock scripts act only while this instance still holds the key, so
// a takeover between read and write cannot be undone by the old leader.
var (
	refreshLockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

	releaseLockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)
)

// Uploader is the ingestion slice the importer drives.
type Uploader interface {
	Upload(ctx context.Context, userID string, req *ingest.UploadRequest) (*types.Document, error)
}

// extMime maps library file extensions to their declared MIME type.
// Files with other extensions are skipped.
var extMime = map[string]string{
	".pdf":  "application/pdf",
	".docx": "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	".xlsx": "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	".txt":  "text/plain",
	".md":   "text/markdown",
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".tif":  "image/tiff",
	".tiff": "image/tiff",
	".gif":  "image/gif",
	".bmp":  "image/bmp",
}

// Importer periodically scans the shared library directory and uploads
// new files into their owners' knowledge spaces. Exactly one instance
// runs the scan at a time, elected through a Redis lock; the others
// poll for takeover.
type Importer struct {
	rdb      redis.Cmdable
	uploader Uploader
	broker   *events.Broker

	dir      string
	interval time.Duration
	id       string

	stopCh chan struct{}
	doneCh chan struct{}
}

// New creates the importer. rdb may be nil for single-instance
// deployments, which makes this process the permanent leader.
func New(rdb redis.Cmdable, uploader Uploader, broker *events.Broker, dir string, interval time.Duration) *Importer {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Importer{
		rdb:      rdb,
		uploader: uploader,
		broker:   broker,
		dir:      dir,
		interval: interval,
		id:       uuid.NewString(),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start launches the scan loop.
func (im *Importer) Start() {
	go im.run()
	log.WithComponent("autoimport").Info().
		Str("dir", im.dir).
		Dur("interval", im.interval).
		Msg("auto import started")
}

// Stop terminates the loop and releases leadership.
func (im *Importer) Stop() {
	close(im.stopCh)
	<-im.doneCh
	im.release()
}

func (im *Importer) run() {
	defer close(im.doneCh)

	for {
		wait := im.interval
		if !im.acquire() {
			wait = takeoverPoll
		} else {
			im.cycle()
		}

		select {
		case <-im.stopCh:
			return
		case <-time.After(wait):
		}
	}
}

// acquire takes or refreshes the leader lock. Lock loss mid-tenure is
// detected on the next attempt and demotes this instance to polling.
func (im *Importer) acquire() bool {
	if im.rdb == nil {
		return true
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ok, err := im.rdb.SetNX(ctx, lockKey, im.id, lockTTL).Result()
	if err != nil {
		log.WithComponent("autoimport").Warn().Err(err).Msg("leader lock unavailable")
		return false
	}
	if ok {
		log.WithComponent("autoimport").Info().Msg("acquired import leadership")
		return true
	}

	// Still the leader? Push the expiry out for another tenure.
	n, err := refreshLockScript.Run(ctx, im.rdb, []string{lockKey}, im.id, lockTTL.Milliseconds()).Int()
	if err != nil {
		log.WithComponent("autoimport").Warn().Err(err).Msg("leader lock refresh failed")
		return false
	}
	return n == 1
}

func (im *Importer) release() {
	if im.rdb == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	releaseLockScript.Run(ctx, im.rdb, []string{lockKey}, im.id)
}

// cycle scans library/<user_id>/* and uploads files the user does not
// already hold. Conflicts mean the file was imported earlier and are
// not errors.
func (im *Importer) cycle() {
	started := time.Now()
	imported, skipped, failed := 0, 0, 0

	users, err := os.ReadDir(im.dir)
	if err != nil {
		if !os.IsNotExist(err) {
			log.WithComponent("autoimport").Warn().Err(err).Msg("library scan failed")
		}
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), im.interval)
	defer cancel()

	for _, userDir := range users {
		if !userDir.IsDir() {
			continue
		}
		userID := userDir.Name()

		files, err := os.ReadDir(filepath.Join(im.dir, userID))
		if err != nil {
			continue
		}
		for _, f := range files {
			if f.IsDir() {
				continue
			}
			switch im.importFile(ctx, userID, f.Name()) {
			case outcomeImported:
				imported++
			case outcomeSkipped:
				skipped++
			case outcomeFailed:
				failed++
			}
		}
	}

	log.WithComponent("autoimport").Info().
		Int("imported", imported).
		Int("skipped", skipped).
		Int("failed", failed).
		Dur("took", time.Since(started)).
		Msg("import cycle finished")
	im.broker.Publish(events.EventImportCycle, "import cycle finished", map[string]string{
		"imported": strconv.Itoa(imported),
		"skipped":  strconv.Itoa(skipped),
		"failed":   strconv.Itoa(failed),
	})
}

type outcome int

const (
	outcomeImported outcome = iota
	outcomeSkipped
	outcomeFailed
)

func (im *Importer) importFile(ctx context.Context, userID, name string) outcome {
	mime, ok := extMime[strings.ToLower(filepath.Ext(name))]
	if !ok {
		return outcomeSkipped
	}

	data, err := os.ReadFile(filepath.Join(im.dir, userID, name))
	if err != nil {
		log.WithTenant(userID).Warn().Err(err).Str("file", name).Msg("library file unreadable")
		return outcomeFailed
	}

	_, err = im.uploader.Upload(ctx, userID, &ingest.UploadRequest{
		FileName:     name,
		DeclaredMime: mime,
		Data:         data,
	})
	switch {
	case err == nil:
		log.WithTenant(userID).Info().Str("file", name).Msg("library file imported")
		return outcomeImported
	case errdefs.KindOf(err) == errdefs.KindConflict:
		return outcomeSkipped
	default:
		log.WithTenant(userID).Warn().Err(err).Str("file", name).Msg("library import failed")
		return outcomeFailed
	}
}
