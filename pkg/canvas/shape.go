// Package canvas holds the plain in-memory representation of a canvas: shapes,
// layers, the mutations the editor performs on them and local undo history.
package canvas

import (
	"errors"
	"fmt"
)

type ShapeType string

const (
	ShapeRectangle ShapeType = "rectangle"
	ShapeCircle    ShapeType = "circle"
	ShapeLine      ShapeType = "line"
	ShapeText      ShapeType = "text"
	ShapeImage     ShapeType = "image"
)

var ErrInvalidShape = errors.New("invalid shape")

// Transform places a shape in document space.
type Transform struct {
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
	Rotation float64 `json:"rotation"`
	ScaleX   float64 `json:"scaleX"`
	ScaleY   float64 `json:"scaleY"`
}

type Rectangle struct {
	Width        float64 `json:"width"`
	Height       float64 `json:"height"`
	Fill         string  `json:"fill"`
	Stroke       string  `json:"stroke"`
	StrokeWidth  float64 `json:"strokeWidth"`
	CornerRadius float64 `json:"cornerRadius"`
}

type Circle struct {
	RadiusX     float64 `json:"radiusX"`
	RadiusY     float64 `json:"radiusY"`
	Fill        string  `json:"fill"`
	Stroke      string  `json:"stroke"`
	StrokeWidth float64 `json:"strokeWidth"`
}

type Line struct {
	// Points is a flat x0,y0,x1,y1,... list.
	Points      []float64 `json:"points"`
	Stroke      string    `json:"stroke"`
	StrokeWidth float64   `json:"strokeWidth"`
	LineCap     string    `json:"lineCap"`
	LineJoin    string    `json:"lineJoin"`
}

type Text struct {
	Text       string  `json:"text"`
	FontSize   float64 `json:"fontSize"`
	FontFamily string  `json:"fontFamily"`
	FontStyle  string  `json:"fontStyle"`
	Fill       string  `json:"fill"`
	Align      string  `json:"align"`
	Width      float64 `json:"width"`
	Height     float64 `json:"height"`
}

type Image struct {
	Src    string  `json:"src"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Shape is a tagged union: Type selects which one of the variant payloads is set.
type Shape struct {
	ID   string    `json:"id"`
	Type ShapeType `json:"type"`
	Transform
	Opacity float64 `json:"opacity"`
	Visible bool    `json:"visible"`
	Locked  bool    `json:"locked"`
	Name    string  `json:"name"`
	LayerID string  `json:"layerId"`

	Rectangle *Rectangle `json:"rectangle,omitempty"`
	Circle    *Circle    `json:"circle,omitempty"`
	Line      *Line      `json:"line,omitempty"`
	Text      *Text      `json:"text,omitempty"`
	Image     *Image     `json:"image,omitempty"`
}

// NewRectangle returns a visible, unscaled rectangle shape with the given geometry.
func NewRectangle(x, y, width, height float64) Shape {
	return Shape{
		Type:      ShapeRectangle,
		Transform: Transform{X: x, Y: y, ScaleX: 1, ScaleY: 1},
		Opacity:   1,
		Visible:   true,
		Name:      "Rectangle",
		Rectangle: &Rectangle{Width: width, Height: height, Fill: "#cccccc", Stroke: "#000000", StrokeWidth: 1},
	}
}

// NewCircle returns a visible, unscaled ellipse centred on x,y.
func NewCircle(x, y, radiusX, radiusY float64) Shape {
	return Shape{
		Type:      ShapeCircle,
		Transform: Transform{X: x, Y: y, ScaleX: 1, ScaleY: 1},
		Opacity:   1,
		Visible:   true,
		Name:      "Circle",
		Circle:    &Circle{RadiusX: radiusX, RadiusY: radiusY, Fill: "#cccccc", Stroke: "#000000", StrokeWidth: 1},
	}
}

// Validate checks the common fields and that exactly the payload matching Type is present.
func (s Shape) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("%w: empty id", ErrInvalidShape)
	}
	if s.LayerID == "" {
		return fmt.Errorf("%w: shape %s has no layer", ErrInvalidShape, s.ID)
	}
	if s.Opacity < 0 || s.Opacity > 1 {
		return fmt.Errorf("%w: shape %s opacity %v out of range", ErrInvalidShape, s.ID, s.Opacity)
	}
	set := 0
	for _, present := range []bool{s.Rectangle != nil, s.Circle != nil, s.Line != nil, s.Text != nil, s.Image != nil} {
		if present {
			set++
		}
	}
	if set != 1 {
		return fmt.Errorf("%w: shape %s carries %d variant payloads", ErrInvalidShape, s.ID, set)
	}
	switch s.Type {
	case ShapeRectangle:
		if s.Rectangle == nil {
			return fmt.Errorf("%w: rectangle %s without rectangle payload", ErrInvalidShape, s.ID)
		}
	case ShapeCircle:
		if s.Circle == nil {
			return fmt.Errorf("%w: circle %s without circle payload", ErrInvalidShape, s.ID)
		}
	case ShapeLine:
		if s.Line == nil {
			return fmt.Errorf("%w: line %s without line payload", ErrInvalidShape, s.ID)
		}
		if len(s.Line.Points)%2 != 0 {
			return fmt.Errorf("%w: line %s has an odd number of coordinates", ErrInvalidShape, s.ID)
		}
		if !oneOf(s.Line.LineCap, "", "butt", "round", "square") || !oneOf(s.Line.LineJoin, "", "miter", "round", "bevel") {
			return fmt.Errorf("%w: line %s has an unknown cap or join", ErrInvalidShape, s.ID)
		}
	case ShapeText:
		if s.Text == nil {
			return fmt.Errorf("%w: text %s without text payload", ErrInvalidShape, s.ID)
		}
		if !oneOf(s.Text.Align, "", "left", "center", "right") {
			return fmt.Errorf("%w: text %s has unknown alignment %q", ErrInvalidShape, s.ID, s.Text.Align)
		}
	case ShapeImage:
		if s.Image == nil {
			return fmt.Errorf("%w: image %s without image payload", ErrInvalidShape, s.ID)
		}
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidShape, s.Type)
	}
	return nil
}

// Clone returns a deep copy; variant payloads and point slices are not shared.
func (s Shape) Clone() Shape {
	out := s
	if s.Rectangle != nil {
		r := *s.Rectangle
		out.Rectangle = &r
	}
	if s.Circle != nil {
		c := *s.Circle
		out.Circle = &c
	}
	if s.Line != nil {
		l := *s.Line
		l.Points = append([]float64(nil), s.Line.Points...)
		out.Line = &l
	}
	if s.Text != nil {
		t := *s.Text
		out.Text = &t
	}
	if s.Image != nil {
		i := *s.Image
		out.Image = &i
	}
	return out
}

// Size returns the width and height of the shape's unscaled bounding box.
func (s Shape) Size() (float64, float64) {
	switch {
	case s.Rectangle != nil:
		return s.Rectangle.Width, s.Rectangle.Height
	case s.Circle != nil:
		return s.Circle.RadiusX * 2, s.Circle.RadiusY * 2
	case s.Text != nil:
		return s.Text.Width, s.Text.Height
	case s.Image != nil:
		return s.Image.Width, s.Image.Height
	case s.Line != nil:
		var maxX, maxY float64
		for i := 0; i+1 < len(s.Line.Points); i += 2 {
			maxX = max(maxX, s.Line.Points[i])
			maxY = max(maxY, s.Line.Points[i+1])
		}
		return maxX, maxY
	}
	return 0, 0
}

func oneOf(v string, options ...string) bool {
	for _, o := range options {
		if v == o {
			return true
		}
	}
	return false
}
