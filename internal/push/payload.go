package push

// ChangeNotice is the standard broadcast payload. Clients treat any notice
// as a hint to refetch the board snapshot; Cause is informational only.
type ChangeNotice struct {
	Type    string `json:"type"`
	BoardID string `json:"boardId"`
	Cause   string `json:"cause,omitempty"`
}

func StateChanged(boardID, cause string) ChangeNotice {
	return ChangeNotice{Type: "state_changed", BoardID: boardID, Cause: cause}
}
