package bbolt

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/meidoworks/nekoq-notifyrelay/component"
)

type User struct {
	IdData string `json:"id"`
	Name   string `json:"name"`
	Age    int    `json:"age"`
}

func (u *User) Id() []byte {
	return []byte(u.IdData)
}

func (u *User) Marshal() ([]byte, error) {
	return json.Marshal(u)
}

func (u *User) Unmarshal(data []byte) error {
	return json.Unmarshal(data, u)
}

func newTestStore(t *testing.T) *BboltStore {
	s, err := NewBboltStore(&BboltStoreConfig{
		Path: filepath.Join(t.TempDir(), "data.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = s.Close()
	})
	return s
}

func TestBboltStoreOperations(t *testing.T) {
	s := newTestStore(t)
	tbl := s.Table("users")
	user := &User{IdData: "id1", Name: "zhangsan", Age: 20}

	obj, err := tbl.QueryById(user.Id(), new(User))
	require.NoError(t, err)
	require.Nil(t, obj)

	require.NoError(t, tbl.Insert(user))
	require.ErrorIs(t, tbl.Insert(user), component.ErrDuplicatedObjectById)

	obj, err = tbl.QueryById(user.Id(), new(User))
	require.NoError(t, err)
	require.Equal(t, 20, obj.(*User).Age)

	user.Age = 30
	require.NoError(t, tbl.Update(user))
	obj, err = tbl.QueryById(user.Id(), new(User))
	require.NoError(t, err)
	require.Equal(t, 30, obj.(*User).Age)

	require.NoError(t, tbl.Delete(user.Id()))
	require.NoError(t, tbl.Delete(user.Id()))

	// update of a missing object is ignored
	require.NoError(t, tbl.Update(user))
	obj, err = tbl.QueryById(user.Id(), new(User))
	require.NoError(t, err)
	require.Nil(t, obj)
}

func TestBboltStoreSave(t *testing.T) {
	s := newTestStore(t)
	tbl := s.Table("users")

	require.NoError(t, tbl.Save(&User{IdData: "id2", Name: "lisi", Age: 1}))
	require.NoError(t, tbl.Save(&User{IdData: "id2", Name: "lisi", Age: 2}))

	obj, err := tbl.QueryById([]byte("id2"), new(User))
	require.NoError(t, err)
	require.Equal(t, 2, obj.(*User).Age)

	// tables are isolated
	obj, err = s.Table("other").QueryById([]byte("id2"), new(User))
	require.NoError(t, err)
	require.Nil(t, obj)
}
