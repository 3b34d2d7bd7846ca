package store

import "strings"

// Top-level document maps, each keyed by account ID.
const (
	MapEmails              = "emails"
	MapLastSync            = "lastSync"
	MapPageTokens          = "pageTokens"
	MapHistoryIDs          = "historyIds"
	MapInitialSyncComplete = "initialSyncComplete"
)

var accountMaps = []string{
	MapEmails,
	MapLastSync,
	MapPageTokens,
	MapHistoryIDs,
	MapInitialSyncComplete,
}

// Path joins a top-level map name and an account ID into a dotted path.
func Path(mapName, accountID string) string {
	return mapName + "." + accountID
}

// EmailsPath is the path of the account's message list.
func EmailsPath(accountID string) string {
	return Path(MapEmails, accountID)
}

func LastSyncPath(accountID string) string {
	return Path(MapLastSync, accountID)
}

func PageTokenPath(accountID string) string {
	return Path(MapPageTokens, accountID)
}

// ListingPageTokenPath is the path of the continuation token for one
// listing scope of the account. Scopes nest under PageTokenPath.
func ListingPageTokenPath(accountID, scope string) string {
	return PageTokenPath(accountID) + "." + scope
}

// HistoryIDPath is the path of the account's incremental sync cursor.
func HistoryIDPath(accountID string) string {
	return Path(MapHistoryIDs, accountID)
}

func InitialSyncCompletePath(accountID string) string {
	return Path(MapInitialSyncComplete, accountID)
}

// AccountPaths returns every path that holds state for accountID.
func AccountPaths(accountID string) []string {
	paths := make([]string, 0, len(accountMaps))
	for _, m := range accountMaps {
		paths = append(paths, Path(m, accountID))
	}
	return paths
}

// AccountFromPath extracts the account ID from a path under mapName.
func AccountFromPath(mapName, path string) (string, bool) {
	return strings.CutPrefix(path, mapName+".")
}
