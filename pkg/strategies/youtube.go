package strategies

import (
	"context"
	"fmt"
	"strings"

	"github.com/dotsetgreg/asistech/pkg/llmclient"
	"github.com/dotsetgreg/asistech/pkg/logger"
	"github.com/dotsetgreg/asistech/pkg/providers"
	"github.com/dotsetgreg/asistech/pkg/videosearch"
)

const (
	youtubeRankPreamble   = "You are a tech support assistant. Review these YouTube videos and recommend the most helpful ones for the user's problem. Be concise and explain why each recommended video fits."
	youtubeGuidePreamble  = "You are a tech support assistant. The user wants video tutorials but no results could be fetched. Suggest effective YouTube search terms and what to look for in a good tutorial."
	youtubeTemperature    = 0.5
	youtubeFailureContent = "I couldn't find video recommendations right now. Please try again."
)

// youTubeSearchStrategy finds tutorial videos and asks the model to rank
// them. Without a video backend it falls back to search guidance and a
// results link. Input: Problem or Message (required), DeviceInfo.
type youTubeSearchStrategy struct {
	llm    Completer
	videos VideoSearcher
}

func (s *youTubeSearchStrategy) Name() string { return YouTubeSearch }

func (s *youTubeSearchStrategy) Execute(ctx context.Context, in Input) Outcome {
	problem := strings.TrimSpace(in.Problem)
	if problem == "" {
		problem = strings.TrimSpace(in.Message)
	}
	if problem == "" {
		return configurationOutcome(YouTubeSearch, "problem description is required")
	}
	device := strings.TrimSpace(in.DeviceInfo)
	query := problem
	if device != "" {
		query = fmt.Sprintf("%s %s fix tutorial", device, problem)
	}

	var videos []videosearch.Video
	if s.videos != nil && s.videos.Enabled() {
		found, err := s.videos.Search(ctx, videosearch.Query{Text: query})
		if err != nil {
			logger.WarnCF(component, "Video search failed, using search guidance",
				map[string]interface{}{
					"query": query,
					"error": err.Error(),
				})
		} else {
			videos = found
		}
	}

	if len(videos) > 0 {
		return s.recommend(ctx, in, problem, device, query, videos)
	}
	return s.guide(ctx, in, problem, device, query)
}

func (s *youTubeSearchStrategy) recommend(ctx context.Context, in Input, problem, device, query string, videos []videosearch.Video) Outcome {
	list := formatVideos(videos)
	user := fmt.Sprintf("Device: %s\nProblem: %s\n\nFound these YouTube videos:\n%s\n\nWhich videos should the user watch? Provide a brief explanation.",
		orDefault(device, "Not specified"), problem, list)
	msgs := []providers.Message{
		{Role: providers.RoleSystem, Content: youtubeRankPreamble},
		{Role: providers.RoleUser, Content: user},
	}
	p := payload(in, msgs)
	p.Temperature = floatPtr(youtubeTemperature)
	resp, err := s.llm.Invoke(ctx, llmclient.OpChat, p)
	if err != nil {
		out := failedOutcome(YouTubeSearch, err, youtubeFailureContent)
		out.Videos = videos
		out.SearchQuery = query
		return out
	}

	var b strings.Builder
	b.WriteString("**YouTube Video Recommendations:**\n\n")
	b.WriteString(resp.Content)
	b.WriteString("\n\n**Videos Found:**\n")
	b.WriteString(list)

	return Outcome{
		Success:      true,
		Content:      b.String(),
		TokensUsed:   tokens(resp),
		Model:        resp.Model,
		FinishReason: resp.FinishReason,
		Videos:       videos,
		SearchQuery:  query,
		VideoURL:     videos[0].URL,
		strategy:     YouTubeSearch,
	}
}

func (s *youTubeSearchStrategy) guide(ctx context.Context, in Input, problem, device, query string) Outcome {
	searchURL := videosearch.SearchURL(query)
	user := fmt.Sprintf("Device: %s\nProblem: %s\n\nSuggest what to search for on YouTube and what a helpful tutorial should cover.",
		orDefault(device, "Not specified"), problem)
	msgs := []providers.Message{
		{Role: providers.RoleSystem, Content: youtubeGuidePreamble},
		{Role: providers.RoleUser, Content: user},
	}
	p := payload(in, msgs)
	p.Temperature = floatPtr(youtubeTemperature)
	resp, err := s.llm.Invoke(ctx, llmclient.OpChat, p)
	if err != nil {
		out := failedOutcome(YouTubeSearch, err, youtubeFailureContent)
		out.SearchQuery = query
		out.VideoURL = searchURL
		return out
	}

	content := fmt.Sprintf("%s\n\n[Click here to search YouTube](%s)\n\nSearch query: %s", resp.Content, searchURL, query)
	return Outcome{
		Success:      true,
		Content:      content,
		TokensUsed:   tokens(resp),
		Model:        resp.Model,
		FinishReason: resp.FinishReason,
		SearchQuery:  query,
		VideoURL:     searchURL,
		strategy:     YouTubeSearch,
	}
}

func formatVideos(videos []videosearch.Video) string {
	var b strings.Builder
	for i, v := range videos {
		fmt.Fprintf(&b, "%d. **%s**", i+1, v.Title)
		if v.Channel != "" {
			fmt.Fprintf(&b, " (%s)", v.Channel)
		}
		fmt.Fprintf(&b, "\n   %s\n", v.URL)
		if v.Description != "" {
			fmt.Fprintf(&b, "   %s\n", v.Description)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}
