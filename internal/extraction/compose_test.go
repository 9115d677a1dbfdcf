package extraction

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ayrusarun/college-community-api/internal/contentstore"
)

func TestComposeFile(t *testing.T) {
	f := &contentstore.File{
		Filename:   "syllabus.pdf",
		Department: "Computer Science",
		Uploader:   "prof.x",
	}
	text := ComposeFile(f, "College of Engineering", "Week 1: Intro")
	assert.Contains(t, text, "Filename: syllabus.pdf")
	assert.Contains(t, text, "College: College of Engineering")
	assert.Contains(t, text, "Description: No description")
	assert.Contains(t, text, "Week 1: Intro")
}

func TestComposePost(t *testing.T) {
	p := &contentstore.Post{
		Title:    "Lab schedule",
		PostType: "announcement",
		Author:   "dr.y",
		Content:  "Labs run Tuesday and Thursday",
	}
	text := ComposePost(p, "College of Engineering")
	assert.Contains(t, text, "Post Title: Lab schedule")
	assert.Contains(t, text, "Author: dr.y")
	assert.Contains(t, text, "Labs run Tuesday and Thursday")
}

func TestComposeCollegeInfo(t *testing.T) {
	info := &contentstore.CollegeInfo{
		Name:        "College of Engineering",
		Departments: []string{"CS", "EE"},
		Stats:       contentstore.Stats{"files": 12, "posts": 34},
	}
	text := ComposeCollegeInfo(info)
	assert.Contains(t, text, "Departments: CS, EE")
	assert.Contains(t, text, "files: 12")
	assert.Contains(t, text, "posts: 34")
}
