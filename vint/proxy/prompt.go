package proxy

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// DefaultSystemPrompt is the recruiter persona used when no prompt file is configured.
const DefaultSystemPrompt = `Tu es un recruteur expert chez ProcessIQ, une startup EdTech qui développe des micro-Software as a Service pour le secteur éducatif.

Tu mènes un entretien technique pour un poste de Lead Dev IA / Développeur freelance.
Le candidat doit démontrer sa maîtrise du no-code, du JavaScript, des APIs IA, et sa logique produit MVP.

Règles impératives :
- Pose UNE seule question à la fois, précise et concrète.
- Tes réponses orales doivent être COURTES (2-4 phrases max) pour rester fluides à l'écoute.
- Adapte la difficulté selon les réponses : creuse si la réponse est vague, valide si elle est solide.
- Commence par te présenter brièvement et poser une première question d'échauffement.
- Thèmes à couvrir : stack no-code, gestion de code IA, intégrations API/webhooks, logique MVP/SaaS, expérience EdTech.
- Ton : professionnel mais bienveillant. Tu cherches quelqu'un d'autonome et pragmatique.`

// PromptSource holds the system instruction prepended to every request.
// When backed by a file it can follow edits to that file.
type PromptSource struct {
	path   string
	logger zerolog.Logger

	mu     sync.RWMutex
	prompt string
}

// NewPromptSource loads the prompt from path, or uses DefaultSystemPrompt
// when path is empty.
func NewPromptSource(path string, logger zerolog.Logger) (*PromptSource, error) {
	p := &PromptSource{path: path, prompt: DefaultSystemPrompt, logger: logger}
	if path == "" {
		return p, nil
	}
	if err := p.reload(); err != nil {
		return nil, err
	}
	return p, nil
}

// StaticPrompt returns a source that always yields prompt.
func StaticPrompt(prompt string) *PromptSource {
	return &PromptSource{prompt: prompt, logger: zerolog.Nop()}
}

func (p *PromptSource) Prompt() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.prompt
}

func (p *PromptSource) reload() error {
	data, err := os.ReadFile(p.path)
	if err != nil {
		return fmt.Errorf("read system prompt: %w", err)
	}
	text := strings.TrimSpace(string(data))
	if text == "" {
		return fmt.Errorf("system prompt file %s is empty", p.path)
	}

	p.mu.Lock()
	p.prompt = text
	p.mu.Unlock()
	return nil
}

// Watch reloads the prompt whenever its file is written or replaced, until
// ctx is done. The parent directory is watched so editors that save by
// rename are followed. A failed reload keeps the previous prompt.
func (p *PromptSource) Watch(ctx context.Context) error {
	if p.path == "" {
		<-ctx.Done()
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create prompt watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(p.path)); err != nil {
		return fmt.Errorf("watch %s: %w", p.path, err)
	}

	target := filepath.Clean(p.path)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target || ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if err := p.reload(); err != nil {
				p.logger.Warn().Err(err).Msg("system prompt reload failed")
				continue
			}
			p.logger.Info().Str("path", p.path).Msg("system prompt reloaded")
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			p.logger.Warn().Err(err).Msg("prompt watcher error")
		}
	}
}
