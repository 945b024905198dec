package handlers

import "fmt"

// validateRoomID はルームIDのバリデーションを行います
// ルームIDが空の場合はエラーを返します
func validateRoomID(roomID string) error {
	if normalizeID(roomID) == "" {
		return fmt.Errorf("roomId required")
	}
	return nil
}

// validateState はOAuthのstateがCookieの値と一致するかを確認します
func validateState(got, want string) error {
	if got == "" || want == "" || got != want {
		return fmt.Errorf("invalid oauth state")
	}
	return nil
}
