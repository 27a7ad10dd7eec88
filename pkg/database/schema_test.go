package database

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medrex/emergency-access/pkg/config"
	"github.com/medrex/emergency-access/pkg/logger"
)

func TestCreateSchema(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	db := Wrap(sqlDB, nil, logger.NewWithOutput("debug", io.Discard))
	defer db.Close()

	for _, table := range []string{"users", "patients", "medical_records", "emergency_access", "emergency_access_logs"} {
		mock.ExpectExec("CREATE TABLE IF NOT EXISTS " + table + " \\(").WillReturnResult(sqlmock.NewResult(0, 0))
	}
	mock.ExpectExec("idx_users_role").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("idx_medical_records_patient_id").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE UNIQUE INDEX IF NOT EXISTS uq_emergency_access_active").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("idx_emergency_access_logs_emergency_id").WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, db.CreateSchema(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateSchema_Failure(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	db := Wrap(sqlDB, nil, logger.NewWithOutput("debug", io.Discard))
	defer db.Close()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS users").WillReturnError(errors.New("permission denied"))

	err = db.CreateSchema(context.Background())
	assert.ErrorContains(t, err, "failed to create table")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestQueryTimeout(t *testing.T) {
	assert.Equal(t, 5*time.Second, Wrap(nil, nil, nil).QueryTimeout())
	assert.Equal(t, 2*time.Second, Wrap(nil, &config.DatabaseConfig{QueryTimeout: 2}, nil).QueryTimeout())
}

func TestBuildConnectionString(t *testing.T) {
	assert.Equal(t, "postgres://u@h/db", buildConnectionString(&config.DatabaseConfig{URL: "postgres://u@h/db"}))
	assert.Equal(t,
		"host=db port=5432 user=medrex password=pw dbname=medrex sslmode=require",
		buildConnectionString(&config.DatabaseConfig{Host: "db", Port: 5432, User: "medrex", Password: "pw", Name: "medrex", SSLMode: "require"}),
	)
}

func TestHealth(t *testing.T) {
	sqlDB, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	db := Wrap(sqlDB, nil, nil)
	defer db.Close()

	mock.ExpectPing().WillReturnError(errors.New("connection refused"))
	assert.Error(t, db.Health(context.Background()))
}
