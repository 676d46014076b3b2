package presence

import (
	"encoding/json"
	"sort"
)

// UserField 是参与者信息所在的字段，只做了握手的 client 没有这个字段
const UserField = "user"

// User 是投影给 UI 的参与者信息
type User struct {
	ClientID   uint64 `json:"clientId"`
	Name       string `json:"name"`
	Color      string `json:"color"`
	ColorLight string `json:"colorLight,omitempty"`
}

// Users 从 registry 快照里挑出带 user 字段的条目，按 client id 排序
func Users(states map[uint64]State) []User {
	users := make([]User, 0, len(states))
	for id, s := range states {
		raw, ok := s[UserField]
		if !ok {
			continue
		}
		var u *User
		if err := json.Unmarshal(raw, &u); err != nil || u == nil {
			continue
		}
		u.ClientID = id
		users = append(users, *u)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].ClientID < users[j].ClientID })
	return users
}

// Users 是 Users(r.GetStates()) 的简写
func (r *Registry) Users() []User {
	return Users(r.GetStates())
}
