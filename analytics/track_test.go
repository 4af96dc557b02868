package analytics

import (
	"testing"

	"github.com/bitrise-io/go-utils/v2/analytics"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type repository struct {
	mock.Mock
}

func (r *repository) Get(key string) string {
	return r.Called(key).String(0)
}

func (r *repository) Set(key, value string) error {
	return r.Called(key, value).Error(0)
}

func (r *repository) Unset(key string) error {
	return r.Called(key).Error(0)
}

func (r *repository) List() []string {
	return r.Called().Get(0).([]string)
}

type trackerFactory struct {
	mock.Mock
}

func (f *trackerFactory) Execute(properties ...analytics.Properties) analytics.Tracker {
	args := f.Called(properties[0])
	tracker, _ := args.Get(0).(analytics.Tracker)
	return tracker
}

func TestNewRunTrackerAddsRunIDFromEnvironment(t *testing.T) {
	repository := new(repository)
	repository.On("Get", RunIDEnvKey).Return("123")
	factory := new(trackerFactory)
	factory.On("Execute", analytics.Properties{RunID: "123"}).Return(nil)

	NewRunTracker(repository, factory.Execute)

	factory.AssertExpectations(t)
}

func TestNewRunTrackerGeneratesRunID(t *testing.T) {
	repository := new(repository)
	repository.On("Get", RunIDEnvKey).Return("")

	var got analytics.Properties
	NewRunTracker(repository, func(properties ...analytics.Properties) analytics.Tracker {
		require.Len(t, properties, 1)
		got = properties[0]
		return nil
	})

	runID, ok := got[RunID].(string)
	require.True(t, ok)
	_, err := uuid.Parse(runID)
	assert.NoError(t, err)
}
