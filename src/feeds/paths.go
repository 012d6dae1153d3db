package feeds

import (
	"os"
	"path/filepath"
)

const (
	feedsDirName      = "feeds"
	subfeedsDirName   = "subfeeds"
	messagesFileName  = "messages"
	accessFileName    = "access"
	feedsConfigName   = "feeds.json"
	shardLevels       = 3
	shardLevelLength  = 2
	defaultDirPerm    = 0755
	defaultFilePerm   = 0644
	privateFilePerm   = 0600
	privateDirPerm    = 0700
	tmpFileNameSuffix = ".tmp"
)

// shardedPath returns base/aa/bb/cc/id
func shardedPath(base string, id string) string {
	parts := []string{base}
	for i := 0; i < shardLevels; i++ {
		parts = append(parts, id[i*shardLevelLength:(i+1)*shardLevelLength])
	}
	parts = append(parts, id)
	return filepath.Join(parts...)
}

func feedDirectory(storageDir string, feedID FeedID) string {
	return shardedPath(filepath.Join(storageDir, feedsDirName), string(feedID))
}

func subfeedDirectory(storageDir string, feedID FeedID, subfeedHash SubfeedHash) string {
	return shardedPath(filepath.Join(feedDirectory(storageDir, feedID), subfeedsDirName), string(subfeedHash))
}

func dirExists(path string) (bool, error) {
	info, err := os.Stat(path)
	if err == nil {
		return info.IsDir(), nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}
