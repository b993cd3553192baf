package network

import (
	"context"
	"database/sql"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func newMockNodeRepository(t *testing.T) (*NodeRepositoryImpl, *gorm.DB, sqlmock.Sqlmock, *sql.DB) {
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)

	dialector := postgres.New(postgres.Config{
		Conn:       mockDB,
		DriverName: "postgres",
	})
	gormDB, err := gorm.Open(dialector, &gorm.Config{
		SkipDefaultTransaction: true,
	})
	require.NoError(t, err)

	return NewNodeRepository(gormDB), gormDB, mock, mockDB
}

func TestNodeRepository_GetForUpdate(t *testing.T) {
	repo, db, mock, mockDB := newMockNodeRepository(t)
	defer mockDB.Close()

	id := "3f8a1c52-6a4e-4d8b-9a1e-2b8f1c0d7e61"
	rows := sqlmock.NewRows([]string{"id", "user_id", "package_tier", "status", "left_pp", "right_pp"}).
		AddRow(id, "u1", "gold", "active", 7, 4)
	mock.ExpectQuery(`SELECT \* FROM "member_nodes" WHERE id = \$1 ORDER BY .* LIMIT .* FOR UPDATE`).
		WithArgs(id, 1).
		WillReturnRows(rows)

	node, err := repo.GetForUpdate(context.Background(), db, id)
	require.NoError(t, err)
	assert.Equal(t, "u1", node.UserID)
	assert.Equal(t, int64(7), node.LeftPP)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestNodeRepository_GetNotFound(t *testing.T) {
	repo, _, mock, mockDB := newMockNodeRepository(t)
	defer mockDB.Close()

	mock.ExpectQuery(`SELECT \* FROM "member_nodes" WHERE user_id = \$1 ORDER BY .* LIMIT .*`).
		WithArgs("ghost", 1).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := repo.GetByUser(context.Background(), nil, "ghost")
	assert.ErrorIs(t, err, ErrNodeNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestNodeRepository_AttachChild(t *testing.T) {
	t.Run("fills an empty slot", func(t *testing.T) {
		repo, db, mock, mockDB := newMockNodeRepository(t)
		defer mockDB.Close()

		mock.ExpectExec(`UPDATE "member_nodes" SET "right_child_id"=\$1,"updated_at"=\$2 WHERE id = \$3 AND right_child_id IS NULL`).
			WillReturnResult(sqlmock.NewResult(0, 1))

		err := repo.AttachChild(context.Background(), db, "parent", SideRight, "child")
		assert.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("slot taken concurrently", func(t *testing.T) {
		repo, db, mock, mockDB := newMockNodeRepository(t)
		defer mockDB.Close()

		mock.ExpectExec(`UPDATE "member_nodes" SET "left_child_id"=\$1,"updated_at"=\$2 WHERE id = \$3 AND left_child_id IS NULL`).
			WillReturnResult(sqlmock.NewResult(0, 0))

		err := repo.AttachChild(context.Background(), db, "parent", SideLeft, "child")
		assert.ErrorIs(t, err, ErrSlotTaken)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}
