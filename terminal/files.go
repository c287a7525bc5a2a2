package terminal

import "strings"

// FileEntry is one row of a directory listing.
type FileEntry struct {
	Permissions string `json:"permissions"`
	Size        string `json:"size"`
	Date        string `json:"date"`
	Name        string `json:"name"`
	IsDirectory bool   `json:"isDirectory"`
}

// parseFileList reads `ls -la` output. Lines with fewer than nine fields
// and the total line are skipped.
func parseFileList(output string) []FileEntry {
	files := []FileEntry{}
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) == "" || strings.HasPrefix(line, "total") {
			continue
		}
		parts := strings.Fields(line)
		if len(parts) < 9 {
			continue
		}
		files = append(files, FileEntry{
			Permissions: parts[0],
			Size:        parts[4],
			Date:        strings.Join(parts[5:8], " "),
			Name:        strings.Join(parts[8:], " "),
			IsDirectory: strings.HasPrefix(parts[0], "d"),
		})
	}
	return files
}
