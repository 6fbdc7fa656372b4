package backend

// Entry is one VM backup discovered under the output root.
type Entry struct {
	Date   string `json:"date"`   // YYYY-MM-DD
	VM     string `json:"vm"`     // virtual machine name
	Status string `json:"status"` // complete|incomplete
	Path   string `json:"path"`   // absolute path of the VM directory
}

// Filters accepted by List, and entry statuses.
const (
	FilterAll        = "all"
	StatusComplete   = "complete"
	StatusIncomplete = "incomplete"
)

// StorageBackend lists local backups.
type StorageBackend interface {
	List(filter string) ([]Entry, error)
}
