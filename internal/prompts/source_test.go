package prompts

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeQuestion(t *testing.T, dir, name, contents string) {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
}

func collect(t *testing.T, src *Source) []Question {
	t.Helper()
	var out []Question
	for q, err := range src.All() {
		require.NoError(t, err)
		out = append(out, q)
	}
	return out
}

func TestOpenYieldsQuestionsInLexicographicOrder(t *testing.T) {
	dir := t.TempDir()
	writeQuestion(t, dir, "q2.txt", "Is the set of all sets a set?")
	writeQuestion(t, dir, "q1.txt", "What is 2+2?\n")
	writeQuestion(t, dir, "q10.md", "Prove it.")
	writeQuestion(t, dir, "notes.json", "{}")
	writeQuestion(t, dir, ".hidden.txt", "skip me")

	src, err := Open(dir, Options{})
	require.NoError(t, err)
	assert.Equal(t, 3, src.Len())
	assert.Equal(t, []string{"q1", "q10", "q2"}, src.IDs())

	questions := collect(t, src)
	require.Len(t, questions, 3)
	assert.Equal(t, Question{ID: "q1", Text: "What is 2+2?", File: "q1.txt"}, questions[0])
	assert.Equal(t, "q10", questions[1].ID)
	assert.Equal(t, "Is the set of all sets a set?", questions[2].Text)
}

func TestSourceIsRestartable(t *testing.T) {
	dir := t.TempDir()
	writeQuestion(t, dir, "a.txt", "first")
	writeQuestion(t, dir, "b.txt", "second")

	src, err := Open(dir, Options{})
	require.NoError(t, err)

	first := collect(t, src)
	second := collect(t, src)
	assert.Equal(t, first, second)

	for q := range src.All() {
		assert.Equal(t, "a", q.ID)
		break
	}
}

func TestSourceReadsLazily(t *testing.T) {
	dir := t.TempDir()
	writeQuestion(t, dir, "a.txt", "before")

	src, err := Open(dir, Options{})
	require.NoError(t, err)

	writeQuestion(t, dir, "a.txt", "after")
	questions := collect(t, src)
	require.Len(t, questions, 1)
	assert.Equal(t, "after", questions[0].Text)
}

func TestOpenMissingDirectory(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "missing"), Options{})
	var loadErr *LoadError
	require.True(t, errors.As(err, &loadErr))
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestOpenNoRecognizedFiles(t *testing.T) {
	dir := t.TempDir()
	writeQuestion(t, dir, "data.csv", "a,b")

	_, err := Open(dir, Options{})
	var loadErr *LoadError
	require.True(t, errors.As(err, &loadErr))
	assert.ErrorIs(t, err, ErrNoQuestions)
}

func TestOpenNestedQuestionDirectories(t *testing.T) {
	dir := t.TempDir()
	writeQuestion(t, dir, "q02/question.txt", "second")
	writeQuestion(t, dir, "q01/question.txt", "first")
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "empty"), 0o755))

	src, err := Open(dir, Options{})
	require.NoError(t, err)

	questions := collect(t, src)
	require.Len(t, questions, 2)
	assert.Equal(t, "q01", questions[0].ID)
	assert.Equal(t, filepath.Join("q01", "question.txt"), questions[0].File)
	assert.Equal(t, "second", questions[1].Text)
}

func TestEmptyQuestionYieldsLoadErrorAndContinues(t *testing.T) {
	dir := t.TempDir()
	writeQuestion(t, dir, "a.txt", "   \n")
	writeQuestion(t, dir, "b.txt", "real question")

	src, err := Open(dir, Options{})
	require.NoError(t, err)

	var errs []error
	var ids []string
	for q, err := range src.All() {
		if err != nil {
			errs = append(errs, err)
			continue
		}
		ids = append(ids, q.ID)
	}
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], ErrEmptyQuestion)
	assert.Equal(t, []string{"b"}, ids)
}

func TestMetadataHeaders(t *testing.T) {
	dir := t.TempDir()
	writeQuestion(t, dir, "a.txt", "---\ncategory: Math\n---\nWhat is 7*6?\n")
	writeQuestion(t, dir, "b.txt", "category: reasoning\nWhy is the sky blue?")
	writeQuestion(t, dir, "c.txt", "Plain question")

	src, err := Open(dir, Options{})
	require.NoError(t, err)

	questions := collect(t, src)
	require.Len(t, questions, 3)
	assert.Equal(t, CategoryMath, questions[0].Category)
	assert.Equal(t, "What is 7*6?", questions[0].Text)
	assert.Equal(t, CategoryReasoning, questions[1].Category)
	assert.Equal(t, "Why is the sky blue?", questions[1].Text)
	assert.Equal(t, Category(""), questions[2].Category)
}

func TestUnknownCategoryFailsValidation(t *testing.T) {
	dir := t.TempDir()
	writeQuestion(t, dir, "a.txt", "category: poetry\nWrite a haiku.")

	src, err := Open(dir, Options{})
	require.NoError(t, err)

	for _, err := range src.All() {
		var loadErr *LoadError
		require.True(t, errors.As(err, &loadErr))
	}
}

func TestSeedRoundTrip(t *testing.T) {
	dir := t.TempDir()
	paths, err := Seed(dir, CategoryHallucination, HallucinationSet())
	require.NoError(t, err)
	require.Len(t, paths, 10)

	src, err := Open(dir, Options{})
	require.NoError(t, err)

	questions := collect(t, src)
	require.Len(t, questions, 10)
	assert.Equal(t, "q01", questions[0].ID)
	assert.Equal(t, CategoryHallucination, questions[0].Category)
	assert.Equal(t, HallucinationSet()[9], questions[9].Text)
}
