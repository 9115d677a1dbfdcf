package extraction

import (
	"fmt"
	"sort"
	"strings"

	"github.com/ayrusarun/college-community-api/internal/contentstore"
)

// ComposeFile builds the embedding text for an uploaded file from its
// metadata and extracted content. Field concatenation never fails.
func ComposeFile(f *contentstore.File, collegeName, content string) string {
	description := f.Description
	if description == "" {
		description = "No description"
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "Filename: %s\n", f.Filename)
	fmt.Fprintf(&sb, "Department: %s\n", f.Department)
	fmt.Fprintf(&sb, "College: %s\n", collegeName)
	fmt.Fprintf(&sb, "Uploaded by: %s\n", f.Uploader)
	fmt.Fprintf(&sb, "Description: %s\n\n", description)
	fmt.Fprintf(&sb, "Content:\n%s", content)
	return strings.TrimSpace(sb.String())
}

// ComposePost builds the embedding text for a post.
func ComposePost(p *contentstore.Post, collegeName string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Post Title: %s\n", p.Title)
	fmt.Fprintf(&sb, "Type: %s\n", p.PostType)
	fmt.Fprintf(&sb, "Department: %s\n", p.Department)
	fmt.Fprintf(&sb, "College: %s\n", collegeName)
	fmt.Fprintf(&sb, "Author: %s\n\n", p.Author)
	fmt.Fprintf(&sb, "Content:\n%s", p.Content)
	return strings.TrimSpace(sb.String())
}

// ComposeCollegeInfo builds the embedding text for institutional metadata.
func ComposeCollegeInfo(info *contentstore.CollegeInfo) string {
	keys := make([]string, 0, len(info.Stats))
	for k := range info.Stats {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var stats strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&stats, "%s: %d\n", k, info.Stats[k])
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "College: %s\n", info.Name)
	fmt.Fprintf(&sb, "Departments: %s\n", strings.Join(info.Departments, ", "))
	fmt.Fprintf(&sb, "Statistics:\n%s\n", stats.String())
	fmt.Fprintf(&sb, "This is general information about %s, including available departments and current statistics about files, posts, and users.", info.Name)
	return strings.TrimSpace(sb.String())
}
